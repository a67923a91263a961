package pbfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// StructuralFormatError beschreibt einen defekten Sektions-Header in einer PB-Datei.
type StructuralFormatError struct {
	Section string
	Got     string
	Want    string
}

func (e *StructuralFormatError) Error() string {
	return fmt.Sprintf("first value in %s section is not '%s': %s", strings.ToUpper(e.Section), e.Want, e.Got)
}

// DuplicateKeyError signalisiert eine doppelte voter_id in der VOTES-Sektion.
type DuplicateKeyError struct {
	VoterID string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicated voter id: %s", e.VoterID)
}

// Raw enthält das unverarbeitete Parse-Ergebnis einer PB-Datei.
type Raw struct {
	Meta     map[string]string
	Projects map[string]map[string]string
	Votes    map[string]map[string]string

	// Flags für Preview-Rendering: PROJECTS-Zeilen tragen inline Votes/Scores.
	VotesInProjects  bool
	ScoresInProjects bool

	// ProjectOrder/VoteOrder erhalten die Reihenfolge der Quelldatei.
	ProjectOrder []string
	VoteOrder    []string
}

// NewRaw erstellt ein leeres Parse-Ergebnis.
func NewRaw() *Raw {
	return &Raw{
		Meta:     map[string]string{},
		Projects: map[string]map[string]string{},
		Votes:    map[string]map[string]string{},
	}
}

// Parse liest das PB-Format: drei optionale Sektionen (META, PROJECTS, VOTES),
// jeweils eingeleitet durch eine Bare-Word-Zeile, gefolgt von einer Header-Zeile.
// Felder sind mit ';' getrennt. Fehlende Sektionen bleiben leere Maps.
func Parse(lines []string) (*Raw, error) {
	raw := NewRaw()
	section := ""
	var header []string

	for i := 0; i < len(lines); i++ {
		row := splitRow(lines[i])
		if len(row) == 0 {
			continue
		}
		first := strings.ToLower(strings.TrimSpace(row[0]))
		if first == "meta" || first == "projects" || first == "votes" {
			section = first
			header = nil
			if i+1 < len(lines) {
				i++
				header = splitRow(lines[i])
			}
			if len(header) > 0 {
				check := strings.ToLower(strings.TrimSpace(header[0]))
				if section == "projects" && check != "project_id" {
					return nil, &StructuralFormatError{Section: section, Got: check, Want: "project_id"}
				}
				if section == "votes" && check != "voter_id" {
					return nil, &StructuralFormatError{Section: section, Got: check, Want: "voter_id"}
				}
			}
			continue
		}

		switch section {
		case "meta":
			if len(row) >= 2 {
				raw.Meta[row[0]] = strings.TrimSpace(row[1])
			}
		case "projects":
			if containsKey(header, "votes") {
				raw.VotesInProjects = true
			}
			if containsKey(header, "score") {
				raw.ScoresInProjects = true
			}
			pid := row[0]
			entry := map[string]string{"project_id": pid}
			zipRow(entry, header, row)
			if _, exists := raw.Projects[pid]; !exists {
				raw.ProjectOrder = append(raw.ProjectOrder, pid)
			}
			raw.Projects[pid] = entry
		case "votes":
			vid := row[0]
			if _, exists := raw.Votes[vid]; exists {
				return nil, &DuplicateKeyError{VoterID: vid}
			}
			entry := map[string]string{}
			zipRow(entry, header, row)
			raw.Votes[vid] = entry
			raw.VoteOrder = append(raw.VoteOrder, vid)
		}
	}

	return raw, nil
}

// ParseReader liest alle Zeilen aus r und parst sie.
func ParseReader(r io.Reader) (*Raw, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	return Parse(lines)
}

// ParseFile öffnet und parst eine PB-Datei.
func ParseFile(path string) (*Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseReader(f)
}

// zipRow mappt die Spalten 1..N gegen den Header.
func zipRow(dst map[string]string, header, row []string) {
	for it, key := range header {
		if it == 0 {
			continue
		}
		if it < len(row) {
			dst[strings.TrimSpace(key)] = strings.TrimSpace(row[it])
		}
	}
}

func splitRow(line string) []string {
	if strings.TrimSpace(line) == "" {
		return nil
	}
	return strings.Split(line, ";")
}

func containsKey(header []string, key string) bool {
	for _, h := range header {
		if strings.TrimSpace(h) == key {
			return true
		}
	}
	return false
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
