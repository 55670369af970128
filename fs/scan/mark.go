package scan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
)

// MarkFileName is the name of the mark file written into every root folder
const MarkFileName = ".talkarr"

// MarkState is the result of checking a root folder's mark file
type MarkState int

const (
	// MarkOK means the mark file exists and names the folder it is in
	MarkOK MarkState = iota
	// MarkMissing means the folder has no mark file
	MarkMissing
	// MarkMismatch means the mark file names another folder, or cannot be read, e.g. a drive mounted at another path
	MarkMismatch
)

func (s MarkState) String() string {
	switch s {
	case MarkOK:
		return "ok"
	case MarkMissing:
		return "missing"
	case MarkMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// ErrMalformedMark is returned when a mark file cannot be decoded
var ErrMalformedMark = errors.New("malformed mark file")

// Mark is the content of a mark file
type Mark struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// WriteMark writes a mark file naming root into root, replacing any existing mark
func WriteMark(root string) (err error) {
	root = filepath.Clean(root)

	b, err := json.Marshal(Mark{Path: root, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode mark: %w", err)
	}

	tmp, err := os.CreateTemp(root, MarkFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create mark file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write mark file: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("write mark file: %w", err)
	}

	if err = os.Rename(tmp.Name(), filepath.Join(root, MarkFileName)); err != nil {
		return fmt.Errorf("write mark file: %w", err)
	}

	return nil
}

// ReadMark reads the mark file of root
//
// A missing mark file is reported with an error matching [os.ErrNotExist].
func ReadMark(root string) (*Mark, error) {
	b, err := os.ReadFile(filepath.Join(root, MarkFileName))
	if err != nil {
		return nil, err
	}

	m := &Mark{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMark, err)
	}

	return m, nil
}

// CheckMark checks that root holds a mark file naming root
//
// An error is returned only when the mark file exists but cannot be read, e.g. for lack of permissions.
func CheckMark(root string) (MarkState, error) {
	m, err := ReadMark(root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return MarkMissing, nil
	case errors.Is(err, ErrMalformedMark):
		return MarkMismatch, nil
	case err != nil:
		return MarkMismatch, err
	}

	if filepath.Clean(m.Path) != filepath.Clean(root) {
		return MarkMismatch, nil
	}

	return MarkOK, nil
}
