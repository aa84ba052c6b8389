/* Copyright 2016-2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package eventauth

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/matrix-org/gomatrixstateres/spec"
	"golang.org/x/crypto/ed25519"
)

// CanonicalJSON re-encodes the JSON in a canonical encoding. The encoding is
// the shortest possible encoding using integer values with sorted object keys.
// https://spec.matrix.org/v1.8/appendices/#canonical-json
func CanonicalJSON(input []byte) ([]byte, error) {
	sorted, err := SortJSON(input, make([]byte, 0, len(input)))
	if err != nil {
		return nil, err
	}
	return CompactJSON(sorted, make([]byte, 0, len(sorted))), nil
}

// SortJSON reencodes the JSON with the object keys sorted by lexicographically
// by codepoint. The input must be valid JSON.
func SortJSON(input, output []byte) ([]byte, error) {
	var decoded interface{}
	decoder := json.NewDecoder(bytes.NewReader(input))
	decoder.UseNumber()
	if err := decoder.Decode(&decoded); err != nil {
		return nil, err
	}
	return sortJSONValue(decoded, output)
}

func sortJSONValue(input interface{}, output []byte) ([]byte, error) {
	switch value := input.(type) {
	case []interface{}:
		return sortJSONArray(value, output)
	case map[string]interface{}:
		return sortJSONObject(value, output)
	case json.Number:
		// Integers are written in their shortest form, which also turns -0
		// into 0. Anything else is kept as written.
		if i, err := value.Int64(); err == nil {
			return strconv.AppendInt(output, i, 10), nil
		}
		return append(output, value...), nil
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return append(output, encoded...), nil
	}
}

func sortJSONArray(input []interface{}, output []byte) ([]byte, error) {
	var err error
	sep := byte('[')
	for _, value := range input {
		output = append(output, sep)
		sep = ','
		if output, err = sortJSONValue(value, output); err != nil {
			return nil, err
		}
	}
	if sep == '[' {
		// The array was empty so the opening '[' was never written.
		output = append(output, '[', ']')
	} else {
		output = append(output, ']')
	}
	return output, nil
}

func sortJSONObject(input map[string]interface{}, output []byte) ([]byte, error) {
	var err error
	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	sep := byte('{')
	for _, key := range keys {
		output = append(output, sep)
		sep = ','
		var encoded []byte
		if encoded, err = json.Marshal(key); err != nil {
			return nil, err
		}
		output = append(output, encoded...)
		output = append(output, ':')
		if output, err = sortJSONValue(input[key], output); err != nil {
			return nil, err
		}
	}
	if sep == '{' {
		// The object was empty so the opening '{' was never written.
		output = append(output, '{', '}')
	} else {
		output = append(output, '}')
	}
	return output, nil
}

// CompactJSON makes the encoded JSON as small as possible by removing
// whitespace and unneeded unicode escapes.
func CompactJSON(input, output []byte) []byte {
	var i int
	for i < len(input) {
		c := input[i]
		i++
		if c <= ' ' {
			// Skip over whitespace.
			continue
		}
		output = append(output, c)
		if c == '"' {
			for i < len(input) {
				c = input[i]
				i++
				if c == '\\' {
					if i >= len(input) {
						break
					}
					escape := input[i]
					i++
					switch escape {
					case 'u':
						output, i = compactUnicodeEscape(input, output, i)
					case '/':
						output = append(output, escape)
					default:
						output = append(output, c, escape)
					}
				} else {
					output = append(output, c)
				}
				if c == '"' {
					break
				}
			}
		}
	}
	return output
}

// compactUnicodeEscape writes the \u escape whose hex digits start at index
// as raw UTF-8 where canonical JSON allows it. It returns the index after
// the escape. Unpaired UTF-16 surrogates are dropped.
func compactUnicodeEscape(input, output []byte, index int) ([]byte, int) {
	const (
		ESCAPES = "uuuuuuuubtnufruuuuuuuuuuuuuuuuuu"
		HEX     = "0123456789abcdef"
	)
	if len(input)-index < 4 {
		return output, len(input)
	}
	c := readHexDigits(input[index:])
	index += 4
	switch {
	case c < ' ':
		escape := ESCAPES[c]
		output = append(output, '\\', escape)
		if escape == 'u' {
			output = append(output, '0', '0', byte('0'+(c>>4)), HEX[c&0xF])
		}
	case c == '\\' || c == '"':
		output = append(output, '\\', byte(c))
	case c < 0xD800 || c >= 0xE000:
		output = utf8.AppendRune(output, rune(c))
	case c >= 0xDC00:
		// A low surrogate without a high surrogate before it.
	default:
		if len(input)-index < 6 || input[index] != '\\' || input[index+1] != 'u' {
			return output, index
		}
		surrogate := readHexDigits(input[index+2:])
		if surrogate < 0xDC00 || surrogate >= 0xE000 {
			return output, index
		}
		index += 6
		codepoint := 0x10000 + (((c & 0x3FF) << 10) | (surrogate & 0x3FF))
		output = utf8.AppendRune(output, rune(codepoint))
	}
	return output, index
}

func readHexDigits(input []byte) uint32 {
	hex := binary.BigEndian.Uint32(input)
	// subtract '0'
	hex -= 0x30303030
	// strip the higher bits, maps 'a' => 'A'
	hex &= 0x1F1F1F1F
	mask := hex & 0x10101010
	// subtract 'A' - 10 - '9' - 9 = 7 from the letters.
	hex -= mask >> 1
	hex += mask >> 4
	// collect the nibbles
	hex |= hex >> 4
	hex &= 0xFF00FF
	hex |= hex >> 8
	return hex & 0xFFFF
}

// verifyJSON checks the ed25519 signature made by signingName with keyID
// over the canonical form of message, excluding its signatures and
// unsigned keys.
func verifyJSON(signingName spec.ServerName, keyID string, publicKey ed25519.PublicKey, message []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return errorf("bad public key length: %d", len(publicKey))
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(message, &object); err != nil {
		return err
	}
	var signatures map[spec.ServerName]map[string]spec.Base64Bytes
	if err := json.Unmarshal(object["signatures"], &signatures); err != nil {
		return errorf("unparsable signatures: %s", err.Error())
	}
	signature, ok := signatures[signingName][keyID]
	if !ok {
		return errorf("no signature from %q with key ID %q", signingName, keyID)
	}
	delete(object, "signatures")
	delete(object, "unsigned")
	stripped, err := json.Marshal(object)
	if err != nil {
		return err
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return err
	}
	if !ed25519.Verify(publicKey, canonical, signature) {
		return errorf("bad signature from %q with key ID %q", signingName, keyID)
	}
	return nil
}
