package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/lu4p/cat"
)

// errNotUTF8 is returned for .txt files that are not valid UTF-8.
var errNotUTF8 = errors.New("text is not valid UTF-8")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// loadText reads a UTF-8 text file as a single unit. A leading byte order
// mark is dropped.
func loadText(path string) ([]Unit, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimPrefix(b, utf8BOM)
	if !utf8.Valid(b) {
		return nil, errNotUTF8
	}
	return []Unit{{Number: 1, Text: string(b)}}, nil
}

// loadWord extracts the text of a .docx file as a single unit.
func loadWord(path string) (units []Unit, err error) {
	defer func() {
		if r := recover(); r != nil {
			units, err = nil, fmt.Errorf("malformed docx: %v", r)
		}
	}()
	text, err := cat.File(path)
	if err != nil {
		return nil, fmt.Errorf("extract docx: %w", err)
	}
	return []Unit{{Number: 1, Text: strings.ToValidUTF8(text, "")}}, nil
}
