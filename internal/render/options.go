package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/dsl-png-renderer/internal/dsl"
)

// ErrInvalidOptions is wrapped by every option validation failure.
var ErrInvalidOptions = errors.New("invalid render options")

// Options controls how a compiled page is captured.
type Options struct {
	Width                 int     `json:"width,omitempty" validate:"omitempty,min=100,max=4000"`
	Height                int     `json:"height,omitempty" validate:"omitempty,min=100,max=4000"`
	DeviceScaleFactor     float64 `json:"device_scale_factor" validate:"gte=0.5,lte=3"`
	WaitForLoad           bool    `json:"wait_for_load"`
	OptimizePNG           bool    `json:"optimize_png"`
	TransparentBackground bool    `json:"transparent_background"`
	TimeoutSeconds        int     `json:"timeout_seconds" validate:"min=1,max=300"`
	BackgroundColor       string  `json:"background_color,omitempty" validate:"omitempty,max=64,excludesall=;{}<>"`
	FullPage              bool    `json:"full_page"`
}

// DefaultOptions returns the options used for fields a request leaves out.
func DefaultOptions() Options {
	return Options{
		DeviceScaleFactor: 1.0,
		WaitForLoad:       true,
		OptimizePNG:       true,
		TimeoutSeconds:    30,
	}
}

// DecodeOptions overlays raw JSON onto DefaultOptions. Empty or null input
// yields the defaults.
func DecodeOptions(raw []byte) (Options, error) {
	return DecodeOptionsWith(raw, DefaultOptions())
}

// DecodeOptionsWith overlays raw JSON onto base.
func DecodeOptionsWith(raw []byte, base Options) (Options, error) {
	opts := base
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return opts, nil
	}
	if err := json.Unmarshal(trimmed, &opts); err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return opts, nil
}

// Normalize fills the canvas size from the document when unset.
func (o Options) Normalize(doc *dsl.Document) Options {
	if doc != nil {
		if o.Width == 0 {
			o.Width = doc.Width
		}
		if o.Height == 0 {
			o.Height = doc.Height
		}
	}
	return o
}

// Timeout returns the render deadline.
func (o Options) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks option bounds. Failures wrap ErrInvalidOptions and name
// every offending field.
func (o Options) Validate() error {
	err := validate.Struct(o)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	sort.Strings(msgs)
	return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min", "gte":
		return fmt.Sprintf("%s: must be at least %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "max", "lte":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s: must be at most %s characters", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s: must be at most %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "excludesall":
		return fmt.Sprintf("%s: contains forbidden characters", fe.Field())
	default:
		return fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
	}
}
