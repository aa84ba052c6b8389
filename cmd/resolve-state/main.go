// resolve-state runs state resolution over a scenario file and prints the
// resolved room state as JSON.
//
// A scenario is a YAML document holding the room version, the events of the
// room keyed by event ID (each a JSON string) and the state sets to resolve,
// each a list of event IDs:
//
//	room_version: "10"
//	events:
//	  $create: '{"type":"m.room.create", ...}'
//	state_sets:
//	  - [$create, $alice]
//	  - [$create, $alice, $bob]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/matrix-org/gomatrixstateres"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

type scenario struct {
	RoomVersion string            `yaml:"room_version"`
	Events      map[string]string `yaml:"events"`
	StateSets   [][]string        `yaml:"state_sets"`
}

type resolvedEntry struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	EventID  string `json:"event_id"`
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var scenarioPath, roomVersion, logLevel, outputPath string

	flagSet := pflag.NewFlagSet("resolve-state", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&scenarioPath, "scenario", "s", "", "path to the YAML scenario file")
	flagSet.StringVar(&roomVersion, "room-version", "", "room version, overriding the scenario's room_version")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")
	flagSet.StringVarP(&outputPath, "output", "o", "", "write the resolved state to this file instead of stdout")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if scenarioPath == "" {
		return fmt.Errorf("--scenario is required")
	}

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetLevel(level)
	entry := logrus.NewEntry(logger).WithField("scenario", scenarioPath)
	ctx = util.ContextWithLogger(ctx, entry)

	raw, err := os.ReadFile(scenarioPath)
	if err != nil {
		return err
	}
	var s scenario
	if err = yaml.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("failed to parse scenario: %w", err)
	}
	if roomVersion != "" {
		s.RoomVersion = roomVersion
	}

	resolved, err := resolve(ctx, s)
	if err != nil {
		return err
	}
	entry.WithField("entries", len(resolved)).Info("Resolved state")

	if outputPath == "" {
		return writeState(stdout, resolved)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	if err = writeState(f, resolved); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeState(w io.Writer, resolved []resolvedEntry) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resolved)
}

func resolve(ctx context.Context, s scenario) ([]resolvedEntry, error) {
	roomVersion := gomatrixstateres.RoomVersion(s.RoomVersion)
	_, stateResRules, err := roomVersion.Rules()
	if err != nil {
		return nil, err
	}
	if stateResRules.Algorithm != gomatrixstateres.StateResV2 {
		return nil, gomatrixstateres.UnsupportedAlgorithmError{Algorithm: stateResRules.Algorithm}
	}

	eventIDs := make([]string, 0, len(s.Events))
	for eventID := range s.Events {
		eventIDs = append(eventIDs, eventID)
	}
	sort.Strings(eventIDs)
	parsed := make([]*gomatrixstateres.Event, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		event, err := gomatrixstateres.NewEventFromJSON([]byte(s.Events[eventID]), eventID, roomVersion)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", eventID, err)
		}
		parsed = append(parsed, event)
	}
	events := gomatrixstateres.NewEventMap(gomatrixstateres.ToPDUs(parsed)...)

	stateSets := make([]gomatrixstateres.StateMap, 0, len(s.StateSets))
	for i, ids := range s.StateSets {
		stateEvents := make([]gomatrixstateres.PDU, 0, len(ids))
		for _, eventID := range ids {
			event, ok := events.Event(eventID)
			if !ok {
				return nil, fmt.Errorf("state set %d: %w", i, gomatrixstateres.NotFoundError{EventID: eventID})
			}
			if event.StateKey() == nil {
				return nil, fmt.Errorf("state set %d: event %s is not a state event", i, eventID)
			}
			stateEvents = append(stateEvents, event)
		}
		stateSets = append(stateSets, gomatrixstateres.NewStateMap(stateEvents...))
	}

	resolved, err := gomatrixstateres.ResolveRoomVersion(ctx, roomVersion, stateSets, nil, events)
	if err != nil {
		return nil, err
	}
	entries := make([]resolvedEntry, 0, len(resolved))
	for _, key := range resolved.Keys() {
		entries = append(entries, resolvedEntry{
			Type:     key.EventType,
			StateKey: key.StateKey,
			EventID:  resolved[key],
		})
	}
	return entries, nil
}
