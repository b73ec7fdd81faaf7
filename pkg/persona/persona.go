// Package persona defines the coarse behavioral profiles used to pick
// response and insight styling.
package persona

import "strings"

type Persona string

const (
	BusyOwner         Persona = "busy_owner"
	AnalyticalManager Persona = "analytical_manager"
	NewEntrepreneur   Persona = "new_entrepreneur"
	MultiLocation     Persona = "multi_location"
	OperationsFocused Persona = "operations_focused"
)

// Default is assigned when no classification is available.
const Default = BusyOwner

// All lists every profile in a stable order.
var All = []Persona{BusyOwner, AnalyticalManager, NewEntrepreneur, MultiLocation, OperationsFocused}

// Profile describes how replies for a persona are shaped.
type Profile struct {
	Persona     Persona
	Label       string
	Description string
	// ExperienceRank orders profiles from least (0) to most experienced.
	ExperienceRank int
}

var profiles = map[Persona]Profile{
	BusyOwner: {
		Persona:        BusyOwner,
		Label:          "Busy owner",
		Description:    "brief, action-first answers",
		ExperienceRank: 2,
	},
	AnalyticalManager: {
		Persona:        AnalyticalManager,
		Label:          "Analytical manager",
		Description:    "numbers, trends and supporting detail",
		ExperienceRank: 3,
	},
	NewEntrepreneur: {
		Persona:        NewEntrepreneur,
		Label:          "New entrepreneur",
		Description:    "encouraging tone with explanations",
		ExperienceRank: 0,
	},
	MultiLocation: {
		Persona:        MultiLocation,
		Label:          "Multi-location operator",
		Description:    "network-wide framing across stores",
		ExperienceRank: 3,
	},
	OperationsFocused: {
		Persona:        OperationsFocused,
		Label:          "Operations lead",
		Description:    "structured key/value status",
		ExperienceRank: 1,
	},
}

func (p Persona) Valid() bool {
	_, ok := profiles[p]
	return ok
}

func (p Persona) Profile() Profile {
	if prof, ok := profiles[p]; ok {
		return prof
	}
	return profiles[Default]
}

func (p Persona) String() string { return string(p) }

// Parse normalizes raw and reports whether it names a known profile.
func Parse(raw string) (Persona, bool) {
	p := Persona(strings.ToLower(strings.TrimSpace(raw)))
	if p.Valid() {
		return p, true
	}
	return Default, false
}

// LeastExperienced is the profile that receives learning nudges.
func LeastExperienced() Persona {
	least := All[0]
	for _, p := range All[1:] {
		if profiles[p].ExperienceRank < profiles[least].ExperienceRank {
			least = p
		}
	}
	return least
}
