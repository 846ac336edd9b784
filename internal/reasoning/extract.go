package reasoning

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	errNoJSON = errors.New("no JSON object in answer")

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// decodeAnswer finds the last top-level JSON object in text, decodes it into
// dst and validates it. Fenced ```json blocks are preferred when present.
func decodeAnswer(text string, dst any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("incomplete answer: %w", err)
	}
	return nil
}

func extractJSON(text string) ([]byte, error) {
	if i := strings.LastIndex(text, "```json"); i >= 0 {
		body := text[i+len("```json"):]
		if j := strings.Index(body, "```"); j >= 0 {
			return []byte(strings.TrimSpace(body[:j])), nil
		}
	}

	// scan backwards for the object that closes last
	end := strings.LastIndexByte(text, '}')
	if end < 0 {
		return nil, errNoJSON
	}
	depth := 0
	inString := false
	for i := end; i >= 0; i-- {
		c := text[i]
		if c == '"' && !escaped(text, i) {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '}':
			depth++
		case '{':
			depth--
			if depth == 0 {
				return []byte(text[i : end+1]), nil
			}
		}
	}
	return nil, errNoJSON
}

// escaped reports whether text[i] is preceded by an odd number of backslashes.
func escaped(text string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && text[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}
