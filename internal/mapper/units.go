package mapper

import "strings"

// Unit is the semantic column prefix of a station on the line.
type Unit string

// Station units in line order.
const (
	UnitLD  Unit = "LD"
	UnitDC1 Unit = "DC1"
	UnitAC1 Unit = "AC1"
	UnitAC2 Unit = "AC2"
	UnitDC2 Unit = "DC2"
	UnitIP  Unit = "IP"
	UnitULD Unit = "ULD"
)

// unitCodes maps the controller's unit codes to column prefixes.
var unitCodes = map[string]Unit{
	"U1": UnitLD,
	"U2": UnitDC1,
	"U3": UnitAC1,
	"U4": UnitAC2,
	"U5": UnitDC2,
	"U6": UnitIP,
	"U7": UnitULD,
}

// allUnits lists every unit in line order.
var allUnits = []Unit{UnitLD, UnitDC1, UnitAC1, UnitAC2, UnitDC2, UnitIP, UnitULD}

// LookupUnit translates a unit code such as "U2" into its prefix.
func LookupUnit(code string) (Unit, bool) {
	u, ok := unitCodes[code]
	return u, ok
}

// unitCode returns the leading unit code of a frame key ("U2_A1_x" -> "U2").
func unitCode(key string) string {
	code, _, _ := strings.Cut(key, "_")
	return code
}

// prefix returns the lower-case column prefix for the unit.
func (u Unit) prefix() string {
	return strings.ToLower(string(u)) + "_"
}
