package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/koios/mapgen/pkg/models"
	"go.uber.org/zap"
)

// ValidationError describes the first constraint a request violated
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

var hexColorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Validator turns an untrusted payload into a normalized GenerationRequest.
// It does no I/O.
type Validator struct {
	validate *validator.Validate
	styles   *models.StyleCatalogue
	scaleMin float64
	scaleMax float64
	logger   *zap.Logger
}

// NewValidator creates a validator for the given style catalogue and scale bounds
func NewValidator(styles *models.StyleCatalogue, scaleMin, scaleMax float64, logger *zap.Logger) *Validator {
	v := &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		styles:   styles,
		scaleMin: scaleMin,
		scaleMax: scaleMax,
		logger:   logger,
	}

	// Report fields by their JSON names
	v.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.validate.RegisterValidation("hexcolor6", func(fl validator.FieldLevel) bool {
		return hexColorPattern.MatchString(fl.Field().String())
	})
	_ = v.validate.RegisterValidation("maptype", func(fl validator.FieldLevel) bool {
		return v.styles.Has(fl.Field().String())
	})
	_ = v.validate.RegisterValidation("scalerange", func(fl validator.FieldLevel) bool {
		scale := fl.Field().Float()
		return scale >= v.scaleMin && scale <= v.scaleMax
	})

	return v
}

// Validate checks payload and returns the normalized request, or a
// *ValidationError for the first violated constraint in field order:
// address, mapType, scale, then colors in role order.
func (v *Validator) Validate(payload map[string]interface{}) (*models.GenerationRequest, error) {
	req := &models.GenerationRequest{}
	typeErrors := make(map[string]*ValidationError)

	if raw, ok := present(payload, "address"); ok {
		if s, isString := raw.(string); isString {
			req.Address = normalizeAddress(s)
		} else {
			typeErrors["address"] = v.fieldError("address", "invalid_type")
		}
	}

	if raw, ok := present(payload, "mapType"); ok {
		if s, isString := raw.(string); isString {
			req.MapType = s
		} else {
			typeErrors["mapType"] = v.fieldError("mapType", "invalid_type")
		}
	}

	if raw, ok := present(payload, "scale"); ok {
		if scale, err := toFloat(raw); err == nil {
			req.Scale = scale
		} else {
			typeErrors["scale"] = v.fieldError("scale", "invalid_type")
		}
	}

	var unknownRole *ValidationError
	if raw, ok := present(payload, "customColors"); ok {
		colors, isObject := raw.(map[string]interface{})
		if !isObject {
			typeErrors["customColors"] = &ValidationError{
				Field:   "customColors",
				Message: "Custom colors must be an object",
				Code:    "invalid_type",
			}
		}
		for _, role := range sortedKeys(colors) {
			value := colors[role]
			if value == nil {
				continue
			}
			// Unknown roles are rejected whatever their value
			if !slices.Contains(models.ColorRoles, role) {
				if unknownRole == nil {
					unknownRole = &ValidationError{
						Field:   role,
						Message: fmt.Sprintf("Unknown color role '%s'", role),
						Code:    "unknown_field",
					}
				}
				continue
			}
			s, isString := value.(string)
			if !isString {
				typeErrors[role] = v.fieldError(role, "invalid_type")
				continue
			}
			req.CustomColors.Set(role, s)
		}
	}

	ruleErrors := make(map[string]*ValidationError)
	if err := v.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, fmt.Errorf("failed to validate request: %w", err)
		}
		for _, fe := range fieldErrs {
			if _, seen := ruleErrors[fe.Field()]; !seen {
				ruleErrors[fe.Field()] = v.fieldError(fe.Field(), codeForTag(fe.Tag()))
			}
		}
	}

	if verr := firstViolation(typeErrors, ruleErrors, unknownRole); verr != nil {
		v.logger.Debug("Rejected generation request",
			zap.String("field", verr.Field),
			zap.String("code", verr.Code))
		return nil, verr
	}

	return req, nil
}

func firstViolation(typeErrors, ruleErrors map[string]*ValidationError, unknownRole *ValidationError) *ValidationError {
	order := append([]string{"address", "mapType", "scale", "customColors"}, models.ColorRoles...)
	for _, field := range order {
		if err, ok := typeErrors[field]; ok {
			return err
		}
		if err, ok := ruleErrors[field]; ok {
			return err
		}
	}
	return unknownRole
}

// fieldError builds the client-facing message for a field
func (v *Validator) fieldError(field, code string) *ValidationError {
	var message string
	switch field {
	case "address":
		message = "Invalid address length"
	case "mapType":
		message = fmt.Sprintf("Invalid map type. Must be one of: %s", strings.Join(v.styles.IDs(), ", "))
	case "scale":
		message = fmt.Sprintf("Scale must be between %s and %s meters", formatScale(v.scaleMin), formatScale(v.scaleMax))
	default:
		message = fmt.Sprintf("Invalid %s. Must be a hex color like #FF0000", field)
	}
	return &ValidationError{Field: field, Message: message, Code: code}
}

func codeForTag(tag string) string {
	switch tag {
	case "required", "max":
		return "invalid_length"
	case "maptype":
		return "invalid_option"
	case "scalerange":
		return "out_of_range"
	case "hexcolor6":
		return "invalid_color"
	default:
		return tag
	}
}

// present returns the value for key unless it is missing or JSON null
func present(payload map[string]interface{}, key string) (interface{}, bool) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return nil, false
	}
	return raw, true
}

// normalizeAddress trims and collapses runs of whitespace
func normalizeAddress(address string) string {
	return strings.Join(strings.Fields(address), " ")
}

// toFloat accepts JSON numbers and numeric strings
func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("unsupported scale type %T", value)
	}
}

func formatScale(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// sortedKeys returns the keys of colors with known roles first, in role
// order, followed by any unknown keys in sorted order.
func sortedKeys(colors map[string]interface{}) []string {
	keys := make([]string, 0, len(colors))
	for _, role := range models.ColorRoles {
		if _, ok := colors[role]; ok {
			keys = append(keys, role)
		}
	}
	var unknown []string
	for key := range colors {
		if !slices.Contains(models.ColorRoles, key) {
			unknown = append(unknown, key)
		}
	}
	slices.Sort(unknown)
	return append(keys, unknown...)
}
