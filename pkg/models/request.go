package models

// ColorRoles lists the semantic color roles a request may override, in the
// order the renderer applies them.
var ColorRoles = []string{
	"building_color",
	"street_color",
	"water_color",
	"park_color",
	"background_color",
}

// ColorOverrides holds optional per-role colors. A nil entry means the
// renderer uses the style's default for that role.
type ColorOverrides struct {
	BuildingColor   *string `json:"building_color,omitempty" validate:"omitnil,hexcolor6"`
	StreetColor     *string `json:"street_color,omitempty" validate:"omitnil,hexcolor6"`
	WaterColor      *string `json:"water_color,omitempty" validate:"omitnil,hexcolor6"`
	ParkColor       *string `json:"park_color,omitempty" validate:"omitnil,hexcolor6"`
	BackgroundColor *string `json:"background_color,omitempty" validate:"omitnil,hexcolor6"`
}

// Set assigns the color for a role and reports whether the role is known
func (c *ColorOverrides) Set(role, value string) bool {
	v := value
	switch role {
	case "building_color":
		c.BuildingColor = &v
	case "street_color":
		c.StreetColor = &v
	case "water_color":
		c.WaterColor = &v
	case "park_color":
		c.ParkColor = &v
	case "background_color":
		c.BackgroundColor = &v
	default:
		return false
	}
	return true
}

// Get returns the color for a role if one is set
func (c ColorOverrides) Get(role string) (string, bool) {
	var p *string
	switch role {
	case "building_color":
		p = c.BuildingColor
	case "street_color":
		p = c.StreetColor
	case "water_color":
		p = c.WaterColor
	case "park_color":
		p = c.ParkColor
	case "background_color":
		p = c.BackgroundColor
	}
	if p == nil {
		return "", false
	}
	return *p, true
}

// Len returns the number of roles with an override
func (c ColorOverrides) Len() int {
	n := 0
	for _, role := range ColorRoles {
		if _, ok := c.Get(role); ok {
			n++
		}
	}
	return n
}

// GenerationRequest is a validated, normalized map generation request
type GenerationRequest struct {
	Address      string         `json:"address" validate:"required,max=200"`
	MapType      string         `json:"mapType" validate:"required,maptype"`
	Scale        float64        `json:"scale" validate:"scalerange"`
	CustomColors ColorOverrides `json:"customColors"`
}

// GenerateMapResponse is the body returned by POST /generate-map
type GenerateMapResponse struct {
	Success bool   `json:"success"`
	MapURL  string `json:"mapUrl,omitempty"`
	Error   string `json:"error,omitempty"`
}
