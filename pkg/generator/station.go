// Package generator produces synthetic station controller frames for
// simulation and testing.
package generator

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// DefaultLotSize is the number of chips per lot before a new lot starts.
const DefaultLotSize = 25

const dateLayout = "2006-01-02 15:04:05"

// Lot is the context block carried by every frame.
type Lot struct {
	Name    string `fake:"{numerify:LOT-######}"`
	Type    string `fake:"{randomstring:[QFN32,BGA64,SOP8,LGA16]}"`
	Machine string `fake:"{numerify:##}"`
}

// Codes lists the unit codes a Station can simulate.
var Codes = []string{"U1", "U2", "U3", "U4", "U5", "U6", "U7"}

// Station emits the reports one station controller sends for each chip.
// A Station is not safe for concurrent use.
type Station struct {
	code    string
	faker   *gofakeit.Faker
	lotSize int

	lot    Lot
	serial int64
	trayID string
	// AlarmRate is the probability that a frame also carries an alarm.
	AlarmRate float64
}

// NewStation creates a generator for unit code (U1..U7). A zero seed picks a
// random one.
func NewStation(code string, seed uint64) (*Station, error) {
	if !slices.Contains(Codes, code) {
		return nil, fmt.Errorf("unknown unit code %q", code)
	}

	s := &Station{
		code:      code,
		faker:     gofakeit.New(seed),
		lotSize:   DefaultLotSize,
		AlarmRate: 0.05,
	}
	if err := s.newLot(); err != nil {
		return nil, err
	}
	return s, nil
}

// Code returns the unit code the station reports as.
func (s *Station) Code() string {
	return s.code
}

// Lot returns the lot currently being processed.
func (s *Station) Lot() Lot {
	return s.lot
}

// SetLotSize changes how many chips make up a lot.
func (s *Station) SetLotSize(n int) {
	if n > 0 {
		s.lotSize = n
	}
}

func (s *Station) newLot() error {
	var lot Lot
	if err := s.faker.Struct(&lot); err != nil {
		return fmt.Errorf("failed to generate lot: %w", err)
	}
	s.lot = lot
	s.serial = 0
	s.trayID = s.faker.Lexify("TR-????")
	return nil
}

// Next advances to the next chip and returns its frame.
func (s *Station) Next(now time.Time) ([]byte, error) {
	if s.serial >= int64(s.lotSize) {
		if err := s.newLot(); err != nil {
			return nil, err
		}
	}
	s.serial++

	frame := map[string]any{
		"LOT":     s.lot.Name,
		"TYPE":    s.lot.Type,
		"MACHINE": s.lot.Machine,
	}
	for key, report := range s.reports(now) {
		frame[key] = report
	}
	if s.faker.Float64() < s.AlarmRate {
		frame[s.code+"_AL_01"] = map[string]any{
			"serial":    []int64{0, s.serial, 0},
			"alarm_num": s.faker.IntRange(100, 999),
		}
	}

	return json.Marshal(frame)
}

// Serial returns the serial of the last generated chip.
func (s *Station) Serial() int64 {
	return s.serial
}

func (s *Station) reports(now time.Time) map[string]map[string]any {
	r := make(map[string]map[string]any)
	date := now.Format(dateLayout)

	switch s.code {
	case "U1":
		r["U1_TR_01"] = map[string]any{
			"serial":  s.serial,
			"wano":    s.faker.IntRange(1, 25),
			"wax":     s.faker.IntRange(0, 60),
			"way":     s.faker.IntRange(0, 60),
			"date":    date,
			"trayid":  s.trayID,
			"trayarm": s.faker.RandomString([]string{"L", "R"}),
			"px":      (s.serial - 1) % 10,
			"py":      (s.serial - 1) / 10,
			"pax":     s.offset(),
			"pay":     s.offset(),
		}
		r["U1_A1_01"] = s.collet()
	case "U2":
		r["U2_A1_01"] = s.collet()
		r["U2_PH_01"] = s.preAlign()
		r["U2_TS_01"] = s.testStage()
	case "U3", "U4", "U5":
		r[s.code+"_A1_01"] = s.collet()
		r[s.code+"_A2_01"] = s.collet()
		r[s.code+"_TS_01"] = s.testStage()
	case "U6":
		r["U6_TS_01"] = map[string]any{"serial": s.serial, "stage_count": s.faker.IntRange(1, 50000)}
		r["U6_T1_01"] = map[string]any{"serial": s.serial, "bin": s.faker.IntRange(1, 4)}
		r["U6_T2_01"] = map[string]any{"serial": s.serial, "bin": s.faker.IntRange(1, 4)}
	case "U7":
		r["U7_PH_01"] = s.preAlign()
		r["U7_PI_01"] = map[string]any{
			"serial": s.serial,
			"trayid": s.trayID,
			"px":     (s.serial - 1) % 10,
			"py":     (s.serial - 1) / 10,
			"pax":    s.offset(),
			"pay":    s.offset(),
		}
		r["U7_CI_01"] = map[string]any{
			"serial": s.serial,
			"px":     (s.serial - 1) % 10,
			"py":     (s.serial - 1) / 10,
			"cax":    s.offset(),
			"cay":    s.offset(),
			"date":   date,
		}
	}
	return r
}

func (s *Station) collet() map[string]any {
	return map[string]any{"serial": s.serial, "count": s.faker.IntRange(1, 100000)}
}

func (s *Station) preAlign() map[string]any {
	return map[string]any{"serial": s.serial, "ax": s.offset(), "ay": s.offset(), "at": s.faker.IntRange(-90, 90)}
}

func (s *Station) testStage() map[string]any {
	return map[string]any{
		"serial":       s.serial,
		"stage_serial": s.faker.Numerify("ST-####"),
		"stage_count":  s.faker.IntRange(1, 50000),
		"probe_serial": s.faker.Numerify("PR-####"),
		"probe_count":  s.faker.IntRange(1, 200000),
		"probe_x1":     s.offset(),
		"probe_y1":     s.offset(),
		"probe_x2":     s.offset(),
		"probe_y2":     s.offset(),
		"stage_z":      s.faker.IntRange(1000, 2000),
		"pin_z":        s.faker.IntRange(100, 300),
		"ax":           s.offset(),
		"ay":           s.offset(),
		"at":           s.faker.IntRange(-90, 90),
		"bin":          s.faker.IntRange(1, 8),
	}
}

// offset is a small alignment correction in micrometres.
func (s *Station) offset() int {
	return s.faker.IntRange(-50, 50)
}
