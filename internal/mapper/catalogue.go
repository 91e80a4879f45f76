package mapper

// ColumnKind is the storage class of a catalogue column.
type ColumnKind int

const (
	// KindInteger columns hold 64-bit integers.
	KindInteger ColumnKind = iota
	// KindText columns hold free text.
	KindText
)

// ColumnDef describes one column of the wide telemetry table.
type ColumnDef struct {
	Name string
	Kind ColumnKind
}

// Key and context columns present on every telemetry row.
const (
	ColLotName     = "lot_name"
	ColSerial      = "serial"
	ColMachineName = "machine_name"
	ColTypeName    = "type_name"
	ColEventDate   = "event_date"
)

// Counter column advanced by every unload chip-insertion report.
const ColChipAlignNum = "uld_chip_align_num"

var (
	catalogue   []ColumnDef
	columnIndex map[string]ColumnKind
)

func init() {
	add := func(kind ColumnKind, names ...string) {
		for _, n := range names {
			catalogue = append(catalogue, ColumnDef{Name: n, Kind: kind})
		}
	}

	// Load station tray pickup.
	add(KindInteger, "wano", "wax", "way")
	add(KindText, "ld_pickup_date", "ld_trayid", "ld_tray_arm")
	add(KindInteger, "ld_tray_pocket_x", "ld_tray_pocket_y", "ld_tray_align_x", "ld_tray_align_y")

	for _, u := range allUnits {
		p := u.prefix()
		add(KindInteger, p+"arm1_collet", p+"arm2_collet")
	}

	for _, u := range preAlignUnits {
		p := u.prefix()
		add(KindInteger, p+"pre_align_x", p+"pre_align_y", p+"pre_align_t")
	}

	for _, u := range testStageUnits {
		p := u.prefix()
		add(KindText, p+"stage_serial")
		add(KindInteger, p+"stage_count")
		add(KindText, p+"probe_serial")
		add(KindInteger,
			p+"probe_count",
			p+"probe_x1", p+"probe_y1", p+"probe_x2", p+"probe_y2",
			p+"stage_z", p+"pin_z",
			p+"chip_align_x", p+"chip_align_y", p+"chip_align_t",
			p+"test_bin",
		)
	}

	// Inspection station.
	add(KindInteger, "ip_stage_count", "ip_surf_bin", "ip_back_bin")

	// Unload station.
	add(KindText, "uld_trayid")
	add(KindInteger, "uld_pocket_x", "uld_pocket_y", "uld_pocket_align_x", "uld_pocket_align_y")
	add(KindInteger, "uld_chip_align_x", "uld_chip_align_y")
	add(KindText, "uld_put_date")
	add(KindInteger, ColChipAlignNum)

	for _, u := range allUnits {
		add(KindInteger, u.prefix()+"alarm")
	}

	columnIndex = make(map[string]ColumnKind, len(catalogue)+5)
	columnIndex[ColLotName] = KindText
	columnIndex[ColSerial] = KindInteger
	columnIndex[ColMachineName] = KindText
	columnIndex[ColTypeName] = KindText
	columnIndex[ColEventDate] = KindText
	for _, c := range catalogue {
		columnIndex[c.Name] = c.Kind
	}
}

// Catalogue returns the station columns of the wide telemetry table in DDL
// order. Key and context columns are not included.
func Catalogue() []ColumnDef {
	out := make([]ColumnDef, len(catalogue))
	copy(out, catalogue)
	return out
}

// ValidColumn reports whether name is a known telemetry column, including
// the key and context columns.
func ValidColumn(name string) bool {
	_, ok := columnIndex[name]
	return ok
}
