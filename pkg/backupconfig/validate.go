package backupconfig

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/pljakobs/backup/internal/assets/schemas"
)

var (
	// ErrConfig marks configuration that could not be read or parsed.
	ErrConfig = errors.New("backup configuration error")

	// ErrValidationFailed marks configuration that parsed but is invalid.
	ErrValidationFailed = errors.New("backup configuration validation failed")

	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("backup configuration schema not found")
)

// IsConfigError reports whether err belongs to the configuration error class.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig) || errors.Is(err, ErrValidationFailed)
}

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single validation issue.
type ValidationError struct {
	// Path is a JSON pointer to the offending field (e.g. "/hosts/nas/paths/0").
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "backup configuration invalid with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateRaw checks raw JSON against the embedded schema. Unknown fields
// are rejected.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("%w: schema validation error: %v", ErrConfig, err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.BackupConfigSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded backup-config schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.BackupConfigSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile backup-config schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Validate checks the semantic rules the schema cannot express: every host
// has paths, every path has a source, no destination equals or contains
// another across the whole configuration, and snapshot schedules are usable.
func Validate(cfg *Config) error {
	var errs ValidationErrors
	add := func(p, format string, args ...any) {
		errs = append(errs, ValidationError{Path: p, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.BackupBase == "" {
		add("/config/backup_base", "backup_base is required")
	} else if !path.IsAbs(cfg.BackupBase) {
		add("/config/backup_base", "backup_base must be an absolute path, got %q", cfg.BackupBase)
	}
	if len(cfg.Hosts) == 0 {
		add("/hosts", "at least one host is required")
	}

	type dest struct{ path, pointer string }
	var dests []dest
	for _, h := range cfg.Hosts {
		hp := "/hosts/" + pointerEscape(h.Name)
		if !validHostName(h.Name) {
			add(hp, "host name %q is not usable as a directory name", h.Name)
		}
		if len(h.Paths) == 0 {
			add(hp+"/paths", "host has no paths")
		}
		for i, p := range h.Paths {
			pp := fmt.Sprintf("%s/paths/%d", hp, i)
			if p.Source == "" {
				add(pp+"/path", "path is required")
				continue
			}
			if !path.IsAbs(p.Source) {
				add(pp+"/path", "path must be absolute, got %q", p.Source)
			}
			switch sub := p.DestSubdir; {
			case sub == "" || sub == ".":
				add(pp+"/dest_subdir", "destination is the whole host directory; set dest_subdir")
				continue
			case sub == ".." || strings.HasPrefix(sub, "../"):
				add(pp+"/dest_subdir", "dest_subdir escapes the host directory: %q", sub)
				continue
			}

			clash := false
			for _, d := range dests {
				if d.path == p.Destination {
					add(pp, "destination %s is already used by %s", p.Destination, d.pointer)
					clash = true
					break
				}
				if nested(d.path, p.Destination) || nested(p.Destination, d.path) {
					add(pp, "destination %s overlaps %s used by %s", p.Destination, d.path, d.pointer)
					clash = true
					break
				}
			}
			if !clash {
				dests = append(dests, dest{path: p.Destination, pointer: pp})
			}
		}
	}

	if s := cfg.Snapshots; s != nil {
		if s.Volume == "" {
			add("/snapshots/volume", "volume is required")
		}
		for i, sc := range s.Schedules {
			sp := fmt.Sprintf("/snapshots/schedules/%d", i)
			if sc.Type == "" {
				add(sp+"/type", "type is required")
			}
			if sc.Count <= 0 {
				add(sp+"/count", "count must be positive")
			}
			if sc.Interval <= 0 {
				add(sp+"/interval", "interval must be positive")
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

var hostNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// validHostName accepts names that are a single safe path segment.
func validHostName(name string) bool {
	return name != "." && name != ".." && hostNameRe.MatchString(name)
}

// nested reports whether child lies strictly below parent.
func nested(parent, child string) bool {
	return strings.HasPrefix(child, strings.TrimSuffix(parent, "/")+"/")
}

// pointerEscape escapes a JSON pointer segment.
func pointerEscape(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}
