package extract

import (
	"bytes"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/provia/docchat/internal/models"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// readText returns the content of a plain-text file, dropping a UTF-8 BOM and
// falling back to Latin-1 for files that are not valid UTF-8.
func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &models.ExtractionError{Source: models.SourceTxt, Handle: path, Reason: "reading file", Err: err}
	}
	return decodeText(path, data)
}

func decodeText(handle string, data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	var text string
	if utf8.Valid(data) {
		text = string(data)
	} else {
		runes := make([]rune, len(data))
		for i, c := range data {
			runes[i] = rune(c)
		}
		text = string(runes)
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return "", &models.ExtractionError{Source: models.SourceTxt, Handle: handle, Reason: "file is empty"}
	}
	return text, nil
}
