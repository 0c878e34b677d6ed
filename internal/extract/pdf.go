package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/models"
)

var contentPageRe = regexp.MustCompile(`(?i)page_(\d+)(?:\.txt)?$`)

// PdfExtractor extracts text from the content streams of a PDF.
type PdfExtractor struct {
	tempDir string
	log     *zap.Logger
}

func (e *PdfExtractor) fail(path, reason string, err error) error {
	return &models.ExtractionError{Source: models.SourcePdf, Handle: path, Reason: reason, Err: err}
}

// Extract returns the page texts of the PDF at path, separated by page markers.
func (e *PdfExtractor) Extract(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", e.fail(path, "cancelled", err)
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return "", e.fail(path, "not a readable PDF", err)
	}
	pageCount := pdfCtx.PageCount

	outDir, err := os.MkdirTemp(e.tempDir, "pdf-content-*")
	if err != nil {
		return "", e.fail(path, "creating work directory", err)
	}
	defer os.RemoveAll(outDir)

	if err := api.ExtractContentFile(path, outDir, nil, conf); err != nil {
		return "", e.fail(path, "extracting content streams", err)
	}

	files, err := os.ReadDir(outDir)
	if err != nil {
		return "", e.fail(path, "reading extracted content", err)
	}

	pageTexts := make(map[int]string)
	var extra []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(outDir, f.Name()))
		if err != nil {
			continue
		}
		text := textFromContentStream(raw)
		if m := contentPageRe.FindStringSubmatch(f.Name()); m != nil {
			n, _ := strconv.Atoi(m[1])
			pageTexts[n] += text
		} else {
			extra = append(extra, text)
		}
	}

	var pages []int
	for n := range pageTexts {
		pages = append(pages, n)
	}
	sort.Ints(pages)

	var b strings.Builder
	for _, n := range pages {
		t := strings.TrimSpace(pageTexts[n])
		if t == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- Page %d ---\n%s", n, t)
	}
	for _, t := range extra {
		if t = strings.TrimSpace(t); t != "" {
			b.WriteString("\n\n")
			b.WriteString(t)
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", e.fail(path, "PDF has no extractable text (scanned or image-only?)", nil)
	}
	e.log.Debug("pdf extracted", zap.String("path", path), zap.Int("pages", pageCount), zap.Int("chars", len(text)))
	return text, nil
}

// textFromContentStream collects the strings shown by the text operators
// (Tj, TJ, ' and ") of a decoded content stream, breaking lines on moves.
func textFromContentStream(stream []byte) string {
	var (
		out      strings.Builder
		operands []string
		numbers  []float64
		inArray  bool
		array    strings.Builder
	)
	newline := func() {
		s := out.String()
		if len(s) > 0 && !strings.HasSuffix(s, "\n") {
			out.WriteByte('\n')
		}
	}

	for i := 0; i < len(stream); {
		c := stream[i]
		switch {
		case c == '%':
			for i < len(stream) && stream[i] != '\n' && stream[i] != '\r' {
				i++
			}
		case c == '(':
			s, next := readLiteralString(stream, i)
			i = next
			if inArray {
				array.WriteString(s)
			} else {
				operands = append(operands, s)
			}
		case c == '<' && i+1 < len(stream) && stream[i+1] == '<':
			i += 2
		case c == '>' && i+1 < len(stream) && stream[i+1] == '>':
			i += 2
		case c == '<':
			s, next := readHexString(stream, i)
			i = next
			if inArray {
				array.WriteString(s)
			} else {
				operands = append(operands, s)
			}
		case c == '/':
			i++
			for i < len(stream) && !isPDFSpace(stream[i]) && !isPDFDelimiter(stream[i]) {
				i++
			}
		case c == '[':
			inArray = true
			array.Reset()
			i++
		case c == ']':
			inArray = false
			operands = append(operands, array.String())
			i++
		case isPDFSpace(c):
			i++
		default:
			start := i
			for i < len(stream) && !isPDFSpace(stream[i]) && !isPDFDelimiter(stream[i]) {
				i++
			}
			if i == start {
				i++
				continue
			}
			word := string(stream[start:i])
			if n, err := strconv.ParseFloat(word, 64); err == nil {
				if inArray {
					// large negative kerning is a word gap
					if n < -200 {
						array.WriteByte(' ')
					}
				} else {
					numbers = append(numbers, n)
				}
				continue
			}
			if inArray {
				continue
			}

			switch word {
			case "Tj", "TJ":
				if len(operands) > 0 {
					out.WriteString(operands[len(operands)-1])
				}
			case "'", "\"":
				newline()
				if len(operands) > 0 {
					out.WriteString(operands[len(operands)-1])
				}
			case "Td", "TD":
				if len(numbers) >= 2 && numbers[len(numbers)-1] != 0 {
					newline()
				} else if out.Len() > 0 && !strings.HasSuffix(out.String(), " ") {
					out.WriteByte(' ')
				}
			case "T*", "ET":
				newline()
			}
			operands = operands[:0]
			numbers = numbers[:0]
		}
	}
	return normalizeText(out.String())
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isPDFDelimiter(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

func readLiteralString(b []byte, i int) (string, int) {
	var raw []byte
	depth := 0
	i++ // opening paren
	for i < len(b) {
		c := b[i]
		switch c {
		case '\\':
			i++
			if i >= len(b) {
				break
			}
			switch e := b[i]; e {
			case 'n':
				raw = append(raw, '\n')
			case 'r':
				raw = append(raw, '\r')
			case 't':
				raw = append(raw, '\t')
			case 'b', 'f':
			case '\r', '\n':
				// line continuation
			default:
				if e >= '0' && e <= '7' {
					end := i
					for end < len(b) && end < i+3 && b[end] >= '0' && b[end] <= '7' {
						end++
					}
					v, _ := strconv.ParseUint(string(b[i:end]), 8, 8)
					raw = append(raw, byte(v))
					i = end - 1
				} else {
					raw = append(raw, e)
				}
			}
		case '(':
			depth++
			raw = append(raw, c)
		case ')':
			if depth == 0 {
				return decodePDFString(raw), i + 1
			}
			depth--
			raw = append(raw, c)
		default:
			raw = append(raw, c)
		}
		i++
	}
	return decodePDFString(raw), i
}

func readHexString(b []byte, i int) (string, int) {
	var digits []byte
	i++
	for i < len(b) && b[i] != '>' {
		if h := b[i]; (h >= '0' && h <= '9') || (h >= 'a' && h <= 'f') || (h >= 'A' && h <= 'F') {
			digits = append(digits, h)
		}
		i++
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw := make([]byte, 0, len(digits)/2)
	for j := 0; j < len(digits); j += 2 {
		v, _ := strconv.ParseUint(string(digits[j:j+2]), 16, 8)
		raw = append(raw, byte(v))
	}
	return decodePDFString(raw), i + 1
}

// decodePDFString handles UTF-16BE strings with a BOM and treats everything
// else as Latin-1, which matches PDFDocEncoding for printable text.
func decodePDFString(raw []byte) string {
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		u := make([]uint16, 0, (len(raw)-2)/2)
		for j := 2; j+1 < len(raw); j += 2 {
			u = append(u, uint16(raw[j])<<8|uint16(raw[j+1]))
		}
		return string(utf16.Decode(u))
	}
	runes := make([]rune, 0, len(raw))
	for _, c := range raw {
		if c < 0x20 && c != '\n' && c != '\t' {
			continue
		}
		runes = append(runes, rune(c))
	}
	return string(runes)
}
