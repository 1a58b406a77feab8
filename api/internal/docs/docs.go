package docs

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var (
	ErrNotPDF   = errors.New("training document must be a PDF")
	ErrTooLarge = errors.New("training document is too large")
	ErrEmptyPDF = errors.New("training document has no pages")
)

// Info - то, что узнали о документе до отправки на бэкенд.
type Info struct {
	Name  string
	Size  int
	Pages int
}

// Inspect проверяет, что data - читаемый PDF не больше maxBytes (0 - без лимита).
func Inspect(name string, data []byte, maxBytes int64) (Info, error) {
	info := Info{Name: filepath.Base(strings.TrimSpace(name)), Size: len(data)}
	if info.Name == "" || info.Name == "." {
		info.Name = "document.pdf"
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return info, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), maxBytes)
	}
	// PDF: %PDF-
	if len(data) < 5 || !bytes.HasPrefix(data, []byte("%PDF-")) {
		return info, ErrNotPDF
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return info, fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	if n == 0 {
		return info, ErrEmptyPDF
	}
	info.Pages = n
	if !strings.EqualFold(filepath.Ext(info.Name), ".pdf") {
		info.Name += ".pdf"
	}
	return info, nil
}
