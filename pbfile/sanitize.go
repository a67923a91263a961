package pbfile

import (
	"io"
	"regexp"
	"strconv"
	"strings"
)

var decimalCostRe = regexp.MustCompile(`^\d+\.\d+$`)

// ParseReaderSanitized liest alle Zeilen, bereinigt float-artige Projektkosten
// und parst das Ergebnis. Validierungs-Pfad für Dateien aus Export-Tools, die
// Kosten als Floats schreiben.
func ParseReaderSanitized(r io.Reader) (*Raw, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	return Parse(SanitizeCosts(lines))
}

// SanitizeCosts erzeugt eine bereinigte Kopie der Zeilen, in der float-artige
// Projektkosten ("40000.0") zu Integer-Strings ("40000") konvertiert werden.
// Die Transformation ist konservativ: nur Werte im Format \d+\.\d+ werden
// angefasst, alles andere bleibt byte-identisch.
func SanitizeCosts(lines []string) []string {
	out := make([]string, 0, len(lines))
	section := ""
	expectHeader := false
	costIdx := -1

	for _, line := range lines {
		row := splitRow(line)
		if len(row) == 0 {
			out = append(out, line)
			continue
		}
		first := strings.ToLower(strings.TrimSpace(row[0]))
		if first == "meta" || first == "projects" || first == "votes" {
			section = first
			expectHeader = true
			costIdx = -1
			out = append(out, line)
			continue
		}
		if expectHeader {
			expectHeader = false
			if section == "projects" {
				for i, k := range row {
					if strings.ToLower(strings.TrimSpace(k)) == "cost" {
						costIdx = i
						break
					}
				}
			}
			out = append(out, line)
			continue
		}
		if section == "projects" && costIdx >= 0 && costIdx < len(row) {
			val := strings.TrimSpace(row[costIdx])
			if decimalCostRe.MatchString(val) {
				if f, err := strconv.ParseFloat(val, 64); err == nil {
					row[costIdx] = strconv.FormatInt(int64(f), 10)
					out = append(out, strings.Join(row, ";"))
					continue
				}
			}
		}
		out = append(out, line)
	}
	return out
}
