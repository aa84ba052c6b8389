package eventauth

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixstateres/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		canonical string
	}{
		{"nested", `{ "b": [1, 2.50, {"z": null, "a": "<&>"}], "a": "日本語" }`, `{"a":"日本語","b":[1,2.50,{"a":"<&>","z":null}]}`},
		{"escaped unicode", `{"\u00F1":0}`, `{"ñ":0}`},
		{"escaped unicode surrogate pair", `{"\ud83d\udc08":0}`, `{"🐈":0}`},
		{"line separators", `{"a":"x\u2028y\u2029z"}`, "{\"a\":\"x\u2028y\u2029z\"}"},
		{"negative zero", `{"a":-0}`, `{"a":0}`},
		{"big integer", `{"a":9007199254740991}`, `{"a":9007199254740991}`},
		{"unsorted keys in array", `{"a":[{"b":0,"a":1},{"b":0,"a":1}]}`, `{"a":[{"a":1,"b":0},{"a":1,"b":0}]}`},
		{"empty containers", `{"b": [ ], "a": { }}`, `{"a":{},"b":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalJSON([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.canonical, string(got))
		})
	}

	_, err := CanonicalJSON([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestSortJSON(t *testing.T) {
	tests := []struct{ input, want string }{
		{`[{"b":"two","a":1}]`, `[{"a":1,"b":"two"}]`},
		{`{"B":{"4":4,"3":3},"A":{"1":1,"2":2}}`, `{"A":{"1":1,"2":2},"B":{"3":3,"4":4}}`},
		{`[true,false,null]`, `[true,false,null]`},
		{"\t\n[9007199254740991]", `[9007199254740991]`},
	}
	for _, tt := range tests {
		got, err := SortJSON([]byte(tt.input), nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(got), "SortJSON(%q)", tt.input)
	}
}

func TestCompactJSON(t *testing.T) {
	tests := []struct{ input, want string }{
		{"{ }", "{}"},
		{`["\u0000\u0001\u0002\u0003\u0004\u0005\u0006\u0007"]`, `["\u0000\u0001\u0002\u0003\u0004\u0005\u0006\u0007"]`},
		{`["\u0008\u0009\u000A\u000B\u000C\u000D\u000E\u000F"]`, `["\b\t\n\u000b\f\r\u000e\u000f"]`},
		{`["\u0018\u0019\u001A\u001B\u001C\u001D\u001E\u001F"]`, `["\u0018\u0019\u001a\u001b\u001c\u001d\u001e\u001f"]`},
		{`["\u0061\u005C\u0042\u0022"]`, `["a\\B\""]`},
		{`["\u0120"]`, "[\"\u0120\"]"},
		{`["\u0FFf"]`, "[\"\u0FFF\"]"},
		{`["\u2028\u2029"]`, "[\"\u2028\u2029\"]"},
		{`["\u003c\u0026\u003e"]`, `["<&>"]`},
		{`["\uD842\uDC20"]`, "[\"\U00020820\"]"},
		{`["\uDBFF\uDFFF"]`, "[\"\U0010FFFF\"]"},
		{`["\uDEAD"]`, `[""]`},
		{`["\uD83D\u0041"]`, `["A"]`},
		{`["\\"]`, `["\\"]`},
		{`"`, `"`},
		{`"\u000a"`, `"\n"`},
		{`"\u005c"`, `"\\"`},
		{`["\"\\\/"]`, `["\"\\/"]`},
		{`["\/"]`, `["/"]`},
	}
	for _, tt := range tests {
		got := CompactJSON([]byte(tt.input), nil)
		assert.Equal(t, tt.want, string(got), "CompactJSON(%q)", tt.input)
	}
}

func TestCompactUnicodeEscapeWithUTF16Surrogate(t *testing.T) {
	input := []byte(`\ud83d\udc08`)
	output, n := compactUnicodeEscape(input[2:], nil, 0)
	assert.Equal(t, 10, n)
	assert.Equal(t, "🐈", string(output))

	for _, bad := range []string{`\ud83d\zdc08`, `\ud83d udc08`} {
		output, n = compactUnicodeEscape([]byte(bad)[2:], nil, 0)
		assert.Equal(t, 4, n, bad)
		assert.Empty(t, output, bad)
	}
}

func TestReadHex(t *testing.T) {
	for input, want := range map[string]uint32{
		"0123": 0x0123, "4567": 0x4567, "89AB": 0x89AB,
		"CDEF": 0xCDEF, "89ab": 0x89AB, "cdef": 0xCDEF,
	} {
		assert.Equal(t, want, readHexDigits([]byte(input)), input)
	}
}

func testSigningKey() ed25519.PrivateKey {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	return ed25519.NewKeyFromSeed(seed)
}

// signThirdPartyInvite returns the "signed" block an identity server would
// produce for mxid and token.
func signThirdPartyInvite(t *testing.T, key ed25519.PrivateKey, mxid, token string) string {
	t.Helper()
	unsigned, err := json.Marshal(map[string]string{"mxid": mxid, "token": token})
	require.NoError(t, err)
	canonical, err := CanonicalJSON(unsigned)
	require.NoError(t, err)
	signed, err := json.Marshal(map[string]interface{}{
		"mxid":  mxid,
		"token": token,
		"signatures": map[string]map[string]spec.Base64Bytes{
			"id.example.org": {"ed25519:0": ed25519.Sign(key, canonical)},
		},
	})
	require.NoError(t, err)
	return string(signed)
}

func TestVerifyJSON(t *testing.T) {
	key := testSigningKey()
	signed := []byte(signThirdPartyInvite(t, key, "@u5:a", "tok"))
	public := key.Public().(ed25519.PublicKey)

	assert.NoError(t, verifyJSON("id.example.org", "ed25519:0", public, signed))
	assert.Error(t, verifyJSON("id.example.org", "ed25519:1", public, signed))
	assert.Error(t, verifyJSON("other.example.org", "ed25519:0", public, signed))

	other := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)).Public().(ed25519.PublicKey)
	assert.Error(t, verifyJSON("id.example.org", "ed25519:0", other, signed))

	// Canonical JSON keeps U+2028 and U+2029 as raw UTF-8, so a signature
	// over those bytes verifies whatever escaping the message arrived with.
	canonical := []byte("{\"mxid\":\"@a:b\",\"token\":\"x\u2028y\u2029z\"}")
	signature := spec.Base64Bytes(ed25519.Sign(key, canonical)).Encode()
	for _, message := range []string{
		`{"mxid":"@a:b","token":"x\u2028y\u2029z","signatures":{"id.example":{"ed25519:0":"` + signature + `"}}}`,
		"{\"token\":\"x\u2028y\u2029z\",\"mxid\":\"@a:b\",\"signatures\":{\"id.example\":{\"ed25519:0\":\"" + signature + "\"}}}",
	} {
		assert.NoError(t, verifyJSON("id.example", "ed25519:0", public, []byte(message)), message)
	}
}

func TestAllowedThirdPartyInvite(t *testing.T) {
	key := testSigningKey()
	publicKey := spec.Base64Bytes(key.Public().(ed25519.PublicKey)).Encode()
	invite := func(eventID, sender, target, signed string) string {
		return member(eventID, sender, target, fmt.Sprintf(
			`{"membership": "invite", "third_party_invite": {"display_name": "u5", "signed": %s}}`, signed,
		))
	}
	authEvents := func(inviteSender, key string) string {
		return fmt.Sprintf(`{
			"create": {
				"type": "m.room.create",
				"state_key": "",
				"sender": "@u1:a",
				"room_id": "!r1:a",
				"event_id": "$e1:a",
				"content": {"creator": "@u1:a"}
			},
			"member": {
				"@u1:a": {
					"type": "m.room.member",
					"sender": "@u1:a",
					"room_id": "!r1:a",
					"state_key": "@u1:a",
					"event_id": "$e2:a",
					"content": {"membership": "join"}
				},
				"@u3:a": {
					"type": "m.room.member",
					"sender": "@u1:a",
					"room_id": "!r1:a",
					"state_key": "@u3:a",
					"event_id": "$e3:a",
					"content": {"membership": "ban"}
				}
			},
			"third_party_invite": {
				"tok": {
					"type": "m.room.third_party_invite",
					"sender": %q,
					"room_id": "!r1:a",
					"state_key": "tok",
					"event_id": "$e4:a",
					"content": {"display_name": "u5", "public_keys": [{"public_key": %q}]}
				}
			}
		}`, inviteSender, key)
	}

	testEventAllowed(t, RulesV6, fmt.Sprintf(`{"auth_events": %s, "allowed": [%s], "not_allowed": [%s]}`,
		authEvents("@u1:a", publicKey),
		invite("$m1:a", "@u1:a", "@u5:a", signThirdPartyInvite(t, key, "@u5:a", "tok")),
		joinEvents([]string{
			// Signed for somebody else.
			invite("$n1:a", "@u1:a", "@u6:a", signThirdPartyInvite(t, key, "@u5:a", "tok")),
			// No m.room.third_party_invite with this token.
			invite("$n2:a", "@u1:a", "@u5:a", signThirdPartyInvite(t, key, "@u5:a", "other")),
			// Banned users can't be invited.
			invite("$n3:a", "@u1:a", "@u3:a", signThirdPartyInvite(t, key, "@u3:a", "tok")),
			// Signature doesn't verify after tampering.
			invite("$n4:a", "@u1:a", "@u5:a", `{"mxid": "@u5:a", "token": "tok", "signatures": {"id.example.org": {"ed25519:0": "aGVsbG8"}}}`),
		}),
	))

	// The invite has to come from whoever sent the third party invite.
	testEventAllowed(t, RulesV6, fmt.Sprintf(`{"auth_events": %s, "not_allowed": [%s]}`,
		authEvents("@u2:a", publicKey),
		invite("$n5:a", "@u1:a", "@u5:a", signThirdPartyInvite(t, key, "@u5:a", "tok")),
	))

	// A key that didn't sign the invite.
	otherKey := spec.Base64Bytes(ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)).Public().(ed25519.PublicKey)).Encode()
	testEventAllowed(t, RulesV6, fmt.Sprintf(`{"auth_events": %s, "not_allowed": [%s]}`,
		authEvents("@u1:a", otherKey),
		invite("$n6:a", "@u1:a", "@u5:a", signThirdPartyInvite(t, key, "@u5:a", "tok")),
	))
}
