package mapper

import (
	"slices"
	"strings"
)

// Rule names the station report shape a frame key was classified as.
type Rule string

// Report rules, in match order.
const (
	RuleLoadTray          Rule = "load_tray"
	RuleUnloadPocket      Rule = "unload_pocket"
	RuleUnloadChip        Rule = "unload_chip"
	RuleInspectionSurface Rule = "inspection_surface"
	RuleInspectionBack    Rule = "inspection_back"
	RuleArm1Collet        Rule = "arm1_collet"
	RuleArm2Collet        Rule = "arm2_collet"
	RulePreAlign          Rule = "pre_align"
	RuleInspectionStage   Rule = "inspection_stage"
	RuleTestStage         Rule = "test_stage"
	RuleAlarm             Rule = "alarm"
)

var (
	preAlignUnits  = []Unit{UnitDC1, UnitULD}
	testStageUnits = []Unit{UnitDC1, UnitAC1, UnitAC2, UnitDC2}
)

type ruleSpec struct {
	rule  Rule
	match func(key, code string) bool
	// fixed is the unit implied by the pattern; empty means the unit is
	// taken from the key's leading code.
	fixed Unit
	// units restricts the units a rule accepts; nil accepts every unit.
	units []Unit
	build func(u Unit, f fields) (Assignment, bool)
}

func contains(sub string) func(string, string) bool {
	return func(key, _ string) bool { return strings.Contains(key, sub) }
}

// rules is evaluated top to bottom and the first match wins, which keeps the
// overlapping patterns (U6 test stage vs. other test stages) exclusive.
var rules = []ruleSpec{
	{rule: RuleLoadTray, match: contains("U1_TR"), fixed: UnitLD, build: buildLoadTray},
	{rule: RuleUnloadPocket, match: contains("U7_PI_"), fixed: UnitULD, build: buildUnloadPocket},
	{rule: RuleUnloadChip, match: contains("U7_CI_"), fixed: UnitULD, build: buildUnloadChip},
	{rule: RuleInspectionSurface, match: contains("U6_T1_"), fixed: UnitIP, build: binColumn("ip_surf_bin")},
	{rule: RuleInspectionBack, match: contains("U6_T2_"), fixed: UnitIP, build: binColumn("ip_back_bin")},
	{rule: RuleArm1Collet, match: contains("_A1_"), build: colletColumn("arm1_collet")},
	{rule: RuleArm2Collet, match: contains("_A2_"), build: colletColumn("arm2_collet")},
	{rule: RulePreAlign, match: contains("_PH_"), units: preAlignUnits, build: buildPreAlign},
	{
		rule: RuleInspectionStage,
		match: func(key, code string) bool {
			return strings.Contains(key, "_TS_") && code == "U6"
		},
		fixed: UnitIP,
		build: buildInspectionStage,
	},
	{rule: RuleTestStage, match: contains("_TS_"), units: testStageUnits, build: buildTestStage},
	{rule: RuleAlarm, match: contains("_AL_"), build: buildAlarm},
}

// classify finds the rule for a frame key and resolves its unit.
func classify(key string) (*ruleSpec, Unit, *MappingError) {
	code := unitCode(key)
	for i := range rules {
		r := &rules[i]
		if !r.match(key, code) {
			continue
		}
		if r.fixed != "" {
			return r, r.fixed, nil
		}
		u, ok := LookupUnit(code)
		if !ok {
			return nil, "", &MappingError{Key: key, Reason: "unknown unit code " + code}
		}
		if r.units != nil && !slices.Contains(r.units, u) {
			return nil, "", &MappingError{Key: key, Reason: "unit " + string(u) + " does not report " + string(r.rule)}
		}
		return r, u, nil
	}
	return nil, "", &MappingError{Key: key, Reason: "no rule matches key"}
}

func buildLoadTray(_ Unit, f fields) (Assignment, bool) {
	return Assignment{
		Serial: f.int("serial", 0),
		Columns: []Column{
			{"wano", f.int("wano", 0)},
			{"wax", f.int("wax", 0)},
			{"way", f.int("way", 0)},
			{"ld_pickup_date", f.str("date")},
			{"ld_trayid", f.str("trayid")},
			{"ld_tray_arm", f.str("trayarm")},
			{"ld_tray_pocket_x", f.int("px", 0)},
			{"ld_tray_pocket_y", f.int("py", 0)},
			{"ld_tray_align_x", f.int("pax", 0)},
			{"ld_tray_align_y", f.int("pay", 0)},
		},
	}, true
}

func colletColumn(suffix string) func(Unit, fields) (Assignment, bool) {
	return func(u Unit, f fields) (Assignment, bool) {
		return Assignment{
			Serial:  f.int("serial", 0),
			Columns: []Column{{u.prefix() + suffix, f.int("count", 0)}},
		}, true
	}
}

func binColumn(column string) func(Unit, fields) (Assignment, bool) {
	return func(_ Unit, f fields) (Assignment, bool) {
		return Assignment{
			Serial:  f.int("serial", 0),
			Columns: []Column{{column, f.int("bin", 0)}},
		}, true
	}
}

func buildPreAlign(u Unit, f fields) (Assignment, bool) {
	p := u.prefix()
	return Assignment{
		Serial: f.int("serial", 0),
		Columns: []Column{
			{p + "pre_align_x", f.int("ax", 0)},
			{p + "pre_align_y", f.int("ay", 0)},
			{p + "pre_align_t", f.int("at", 0)},
		},
	}, true
}

func buildInspectionStage(_ Unit, f fields) (Assignment, bool) {
	return Assignment{
		Serial:  f.int("serial", 0),
		Columns: []Column{{"ip_stage_count", f.int("stage_count", 0)}},
	}, true
}

func buildTestStage(u Unit, f fields) (Assignment, bool) {
	p := u.prefix()
	return Assignment{
		Serial: f.int("serial", 0),
		Columns: []Column{
			{p + "stage_serial", f.str("stage_serial")},
			{p + "stage_count", f.int("stage_count", 0)},
			{p + "probe_serial", f.str("probe_serial")},
			{p + "probe_count", f.int("probe_count", 0)},
			{p + "probe_x1", f.int("probe_x1", 0)},
			{p + "probe_y1", f.int("probe_y1", 0)},
			{p + "probe_x2", f.int("probe_x2", 0)},
			{p + "probe_y2", f.int("probe_y2", 0)},
			{p + "stage_z", f.int("stage_z", 0)},
			{p + "pin_z", f.int("pin_z", 0)},
			{p + "chip_align_x", f.int("ax", 0)},
			{p + "chip_align_y", f.int("ay", 0)},
			{p + "chip_align_t", f.int("at", 0)},
			{p + "test_bin", f.int("bin", -1)},
		},
	}, true
}

func buildUnloadPocket(_ Unit, f fields) (Assignment, bool) {
	return Assignment{
		Serial: f.int("serial", 0),
		Columns: []Column{
			{"uld_trayid", f.str("trayid")},
			{"uld_pocket_x", f.int("px", 0)},
			{"uld_pocket_y", f.int("py", 0)},
			{"uld_pocket_align_x", f.int("pax", 0)},
			{"uld_pocket_align_y", f.int("pay", 0)},
		},
	}, true
}

func buildUnloadChip(_ Unit, f fields) (Assignment, bool) {
	return Assignment{
		Serial: f.int("serial", 0),
		Columns: []Column{
			{"uld_pocket_x", f.int("px", 0)},
			{"uld_pocket_y", f.int("py", 0)},
			{"uld_chip_align_x", f.int("cax", 0)},
			{"uld_chip_align_y", f.int("cay", 0)},
			{"uld_put_date", f.str("date")},
		},
		Counter: ColChipAlignNum,
	}, true
}

// buildAlarm keys the alarm on the first non-zero serial of the report.
// A report whose serials are all zero carries no chip and is skipped.
func buildAlarm(u Unit, f fields) (Assignment, bool) {
	var serial int64
	for _, s := range f.ints("serial") {
		if s != 0 {
			serial = s
			break
		}
	}
	if serial == 0 {
		return Assignment{}, false
	}
	return Assignment{
		Serial:  serial,
		Columns: []Column{{u.prefix() + "alarm", f.int("alarm_num", 0)}},
	}, true
}
