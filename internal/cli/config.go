package cli

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var jobSchema string

// JobConfig is the resolved configuration of a run. It is filled from a job
// file and then overridden by flags.
type JobConfig struct {
	DB                   string   `json:"db" validate:"required"`
	Store                string   `json:"store,omitempty" validate:"omitempty,oneof=sqlite postgres file"`
	Inputs               []string `json:"input" validate:"required,min=1,dive,required"`
	Exec                 string   `json:"exec" validate:"required"`
	BatchSize            int      `json:"batch_size,omitempty" validate:"gte=1"`
	MaxWait              string   `json:"max_wait,omitempty" validate:"omitempty,duration"`
	SkipErrors           bool     `json:"skip_errors,omitempty"`
	MaxConsecutiveErrors int      `json:"max_consecutive_errors,omitempty" validate:"gte=0"`
	Watch                bool     `json:"watch,omitempty"`
	Metrics              bool     `json:"metrics,omitempty"`
}

// MaxWaitDuration parses MaxWait. An empty value disables the time trigger.
func (c *JobConfig) MaxWaitDuration() time.Duration {
	if c.MaxWait == "" {
		return 0
	}
	d, err := time.ParseDuration(c.MaxWait)
	if err != nil {
		return 0
	}
	return d
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func jobValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())

		// prefer json tag names in messages
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})

		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(fl.Field().String())
			return err == nil && d >= 0
		})
		validate = v
	})
	return validate
}

// Validate checks a resolved config.
func (c *JobConfig) Validate() error {
	err := jobValidator().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "duration":
		return fmt.Sprintf("%s is not a duration: %v", fe.Field(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// LoadJobFile reads a job file. Files ending in .cue are evaluated as CUE;
// anything else is read as YAML. Both are unified with the job schema, so
// unknown fields and wrongly typed values are rejected.
//
// The returned config is not validated; flags may still fill it in.
func LoadJobFile(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(jobSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compiling job schema: %w", err)
	}

	var value cue.Value
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		value = ctx.CompileBytes(data, cue.Filename(path))
	} else {
		fields, err := decodeYAML(data)
		if err != nil {
			return nil, err
		}
		value = ctx.Encode(fields)
	}
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", formatCUEError(err))
	}

	job := schema.LookupPath(cue.ParsePath("#Job")).Unify(value)
	if err := job.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid job file %s: %w", path, formatCUEError(err))
	}

	var cfg JobConfig
	if err := job.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding job file: %w", err)
	}
	return &cfg, nil
}

// JobFileError is a job file error with its source position.
type JobFileError struct {
	Message string
	Pos     token.Pos
}

func (e *JobFileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	// CUE errors may contain multiple errors
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &JobFileError{Message: first.Error(), Pos: positions[0]}
	}
	return err
}

func decodeYAML(data []byte) (map[string]any, error) {
	fields := map[string]any{}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&fields); err != nil {
		if errors.Is(err, io.EOF) {
			return fields, nil
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return fields, nil
}
