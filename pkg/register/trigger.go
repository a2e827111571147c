package register

import (
	"os"

	"github.com/cockroachdb/errors"
)

// SysfsTrigger fires the traffic generator capture trigger by writing "1" to
// its sysfs attribute.
type SysfsTrigger struct {
	Path string
}

func NewSysfsTrigger(path string) *SysfsTrigger {
	if path == "" {
		path = DefaultTriggerPath
	}
	return &SysfsTrigger{Path: path}
}

func (t *SysfsTrigger) Fire() error {
	f, err := os.OpenFile(t.Path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open trigger %v", t.Path)
	}
	defer f.Close()

	if _, err := f.WriteString("1"); err != nil {
		return errors.Wrapf(err, "failed to fire trigger %v", t.Path)
	}
	return nil
}
