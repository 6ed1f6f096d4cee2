package content

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"parley/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
)

const DefaultMaxContentLength = 4096

var (
	policy        = bluemonday.UGCPolicy()
	identityRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	validate      = newValidate()
)

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		return identityRegex.MatchString(fl.Field().String())
	})
	return v
}

// Sanitize removes unsafe HTML from the input string.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateIdentity checks that an identity contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateIdentity(id models.Identity) error {
	if id == "" {
		return fmt.Errorf("%w: identity cannot be empty", models.ErrValidation)
	}
	if !identityRegex.MatchString(string(id)) {
		return fmt.Errorf("%w: identity contains invalid characters (allowed: alphanumeric, dot, dash, underscore)", models.ErrValidation)
	}
	return nil
}

// Struct runs the struct tag rules on v. Failures wrap models.ErrValidation.
func Struct(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed %q", models.ErrValidation, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}

// Validator checks and normalises outbound message payloads.
type Validator struct {
	maxLength int
}

func NewValidator(maxLength int) *Validator {
	if maxLength <= 0 {
		maxLength = DefaultMaxContentLength
	}
	return &Validator{maxLength: maxLength}
}

// SendMessage validates an envelope and returns it with sanitised content.
// Text messages carry content only; every other kind carries a file
// reference and an optional caption.
func (v *Validator) SendMessage(in models.SendMessage) (models.SendMessage, error) {
	if err := in.Target.Validate(); err != nil {
		return in, err
	}
	if err := Struct(in); err != nil {
		return in, err
	}
	if in.Target.User != "" {
		if err := ValidateIdentity(in.Target.User); err != nil {
			return in, err
		}
	}

	if utf8.RuneCountInString(in.Content) > v.maxLength {
		return in, fmt.Errorf("%w: content exceeds %d characters", models.ErrValidation, v.maxLength)
	}
	in.Content = strings.TrimSpace(Sanitize(in.Content))

	if in.Kind == models.PayloadKindText {
		if in.FileRef != "" {
			return in, fmt.Errorf("%w: text messages cannot carry a file reference", models.ErrValidation)
		}
		if in.Content == "" {
			return in, fmt.Errorf("%w: message content is empty", models.ErrValidation)
		}
		return in, nil
	}

	if in.FileRef == "" {
		return in, fmt.Errorf("%w: %s messages require a file reference", models.ErrValidation, in.Kind)
	}
	if err := checkFileKind(in.Kind, in.FileRef); err != nil {
		return in, err
	}
	return in, nil
}

// checkFileKind rejects references whose extension names a known type that
// contradicts the payload kind. References without a recognisable extension
// are opaque handles and pass.
func checkFileKind(kind models.PayloadKind, ref string) error {
	p := ref
	if u, err := url.Parse(ref); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if ext == "" || !filetype.IsSupported(ext) {
		return nil
	}

	switch kind {
	case models.PayloadKindImage, models.PayloadKindAudio, models.PayloadKindVideo:
		if mime := filetype.GetType(ext).MIME.Type; mime != string(kind) {
			return fmt.Errorf("%w: file reference looks like %s, not %s", models.ErrValidation, mime, kind)
		}
	}
	return nil
}
