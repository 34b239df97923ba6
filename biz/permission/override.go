package bizpermission

import (
	"encoding/json"

	"netherealmstudio.com/toolbroker/biz/bizerr"
)

// Override is a user's exception to the organization flag of a tool.
type Override int

const (
	Inherit Override = iota
	ForceEnabled
	ForceDisabled
)

func OverrideOf(enabled bool) Override {
	if enabled {
		return ForceEnabled
	}
	return ForceDisabled
}

// ParseOverride reads the admin form of an override. "inherit" and "none" both mean no override.
func ParseOverride(s string) (Override, error) {
	switch s {
	case "none", "inherit", "":
		return Inherit, nil
	case "enabled":
		return ForceEnabled, nil
	case "disabled":
		return ForceDisabled, nil
	}
	return Inherit, bizerr.NewValidationError("override", "must be one of enabled, disabled, inherit")
}

func (o Override) String() string {
	switch o {
	case ForceEnabled:
		return "enabled"
	case ForceDisabled:
		return "disabled"
	default:
		return "none"
	}
}

func (o Override) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// Effective applies the override under the organization flag. An organization-disabled tool is
// never enabled by an override.
func (o Override) Effective(orgEnabled bool) bool {
	if !orgEnabled {
		return false
	}
	return o != ForceDisabled
}
