package report

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"

	"call-audit-go/internal/detector"
	"call-audit-go/internal/types"
)

// CallMeta is extracted from dialer recording filenames. The dialer writes
// stems as "AgentName _ Timestamp _ Phone _ Disposition"; older exports only
// carry "AgentName _ Phone".
type CallMeta struct {
	AgentName   string
	Timestamp   string
	PhoneNumber string
	Disposition string
}

// spaceAgentName turns "AbdelrahmanAhmedHassan" into
// "Abdelrahman Ahmed Hassan". Names that already contain spaces pass through.
func spaceAgentName(name string) string {
	if strings.Contains(name, " ") {
		return name
	}
	var b strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var timeUnderscore = regexp.MustCompile(`(\d{1,2})_(\d{2})(AM|PM)`)

func displayTimestamp(ts string) string {
	return timeUnderscore.ReplaceAllString(ts, "$1:$2$3")
}

// ParseCallMeta extracts agent metadata from a recording reference.
func ParseCallMeta(fileRef string) CallMeta {
	stem := strings.TrimSuffix(filepath.Base(fileRef), filepath.Ext(fileRef))
	parts := strings.Split(stem, " _ ")
	meta := CallMeta{}
	switch len(parts) {
	case 4:
		meta.AgentName, meta.Timestamp, meta.PhoneNumber, meta.Disposition = parts[0], parts[1], parts[2], parts[3]
	case 2:
		meta.AgentName, meta.PhoneNumber = parts[0], parts[1]
	default:
		meta.AgentName = stem
	}
	meta.AgentName = spaceAgentName(strings.NewReplacer("-", "", ".", "").Replace(meta.AgentName))
	meta.Timestamp = displayTimestamp(meta.Timestamp)
	return meta
}

// Grade summarizes the three signals into an operator-facing status. A
// flagged releasing or late greeting, or a missed rebuttal, each count
// against the agent.
func Grade(t *types.FileTask) string {
	if t.Status != types.TaskSucceeded {
		return "Error"
	}
	flags := 0
	if o, ok := t.Outcomes[detector.NameReleasing]; ok && o.Value == "Yes" {
		flags++
	}
	if o, ok := t.Outcomes[detector.NameLateGreeting]; ok && o.Value == "Yes" {
		flags++
	}
	if o, ok := t.Outcomes[detector.NameSemantic]; ok && o.Value == "No" {
		flags++
	}
	switch flags {
	case 0:
		return "Excellent"
	case 1:
		return "Good"
	case 2:
		return "Needs Training"
	default:
		return "Critical"
	}
}

var columns = []string{
	"Agent Name", "Phone Number", "Timestamp", "Disposition",
	"Releasing", "Late Greeting", "Rebuttal", "Transcript",
	"Status", "Failure Reason", "Grade", "Elapsed (ms)",
}

// Write exports one job's audit results as a workbook file, one row per file
// plus a summary sheet with the aggregate counters.
func Write(rep *types.Report, path string) error {
	f, err := build(rep)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

// Stream writes the workbook to w, for handlers serving the export directly.
func Stream(rep *types.Report, w io.Writer) error {
	f, err := build(rep)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return fmt.Errorf("stream report: %w", err)
	}
	return nil
}

func build(rep *types.Report) (*excelize.File, error) {
	f := excelize.NewFile()

	sheet := "Audit"
	f.SetSheetName("Sheet1", sheet)
	for i, c := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, c); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	for i := range rep.Files {
		t := &rep.Files[i]
		meta := ParseCallMeta(t.FileRef)
		row := []any{
			meta.AgentName, meta.PhoneNumber, meta.Timestamp, meta.Disposition,
			outcomeValue(t, detector.NameReleasing),
			outcomeValue(t, detector.NameLateGreeting),
			outcomeValue(t, detector.NameSemantic),
			transcript(t),
			string(t.Status), t.Reason, Grade(t), t.ElapsedMs,
		}
		for col, v := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("write row %d: %w", i+2, err)
			}
		}
	}

	summary := "Summary"
	if _, err := f.NewSheet(summary); err != nil {
		f.Close()
		return nil, fmt.Errorf("create summary sheet: %w", err)
	}
	for i, kv := range [][2]any{
		{"Job", rep.JobID},
		{"User", rep.UserID},
		{"Status", string(rep.Status)},
		{"Submitted", rep.Submitted},
		{"Succeeded", rep.Succeeded},
		{"Failed", rep.Failed},
	} {
		keyCell, _ := excelize.CoordinatesToCellName(1, i+1)
		valCell, _ := excelize.CoordinatesToCellName(2, i+1)
		if err := f.SetCellValue(summary, keyCell, kv[0]); err != nil {
			f.Close()
			return nil, fmt.Errorf("write summary: %w", err)
		}
		if err := f.SetCellValue(summary, valCell, kv[1]); err != nil {
			f.Close()
			return nil, fmt.Errorf("write summary: %w", err)
		}
	}

	return f, nil
}

func outcomeValue(t *types.FileTask, name string) string {
	o, ok := t.Outcomes[name]
	if !ok {
		return "N/A"
	}
	if o.Error != "" {
		return "Error"
	}
	return o.Value
}

func transcript(t *types.FileTask) string {
	if o, ok := t.Outcomes[detector.NameSemantic]; ok {
		return o.Transcript
	}
	return ""
}
