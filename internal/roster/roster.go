// Package roster reads the class roster and per-student deadline extensions.
package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound reports a missing roster file.
var ErrNotFound = errors.New("roster file not found")

// ErrEmpty reports a roster with no usable rows.
var ErrEmpty = errors.New("roster contains no students")

// Category selects which extension applies to a run.
type Category string

const (
	// CategoryNone applies no extension.
	CategoryNone Category = ""
	// CategoryClassActivity applies class activity extensions.
	CategoryClassActivity Category = "class_activity"
	// CategoryAssignment applies assignment extensions.
	CategoryAssignment Category = "assignment"
	// CategoryExam applies exam extensions.
	CategoryExam Category = "exam"
)

// ParseCategory accepts the long names and the ca/as/ex shorthands.
func ParseCategory(raw string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return CategoryNone, nil
	case "ca", "class_activity", "class-activity":
		return CategoryClassActivity, nil
	case "as", "assignment":
		return CategoryAssignment, nil
	case "ex", "exam":
		return CategoryExam, nil
	default:
		return CategoryNone, fmt.Errorf("unknown category %q: want class_activity|assignment|exam", raw)
	}
}

// Adjustment holds extra hours granted per assessment category.
type Adjustment struct {
	ClassActivityHours float64
	AssignmentHours    float64
	ExamHours          float64
}

// HoursFor returns the extension for category as a duration.
func (a Adjustment) HoursFor(category Category) time.Duration {
	var hours float64
	switch category {
	case CategoryClassActivity:
		hours = a.ClassActivityHours
	case CategoryAssignment:
		hours = a.AssignmentHours
	case CategoryExam:
		hours = a.ExamHours
	}
	return time.Duration(hours * float64(time.Hour))
}

// IsZero reports whether no extension is granted in any category.
func (a Adjustment) IsZero() bool {
	return a.ClassActivityHours == 0 && a.AssignmentHours == 0 && a.ExamHours == 0
}

// Student is one roster entry.
type Student struct {
	Username    string
	DisplayName string
	Adjustment  Adjustment
}

// HoursFor returns the student's extension for category.
func (s Student) HoursFor(category Category) time.Duration {
	return s.Adjustment.HoursFor(category)
}

var separatorPattern = regexp.MustCompile(`([.]\s?|[,]\s?|\s)`)

// NormalizeName turns a roster display name into a folder-safe form:
// periods, commas and whitespace become "-", apostrophes become "-", and
// trailing dashes are dropped.
func NormalizeName(raw string) string {
	name := separatorPattern.ReplaceAllString(raw, "-")
	name = strings.ReplaceAll(name, "'", "-")
	return strings.TrimSpace(strings.TrimRight(name, "-"))
}

// Read parses a GitHub Classroom roster export. The first row is a header;
// column 0 is the display name and column 1 the hosting username. Rows
// missing either are skipped. A repeated username keeps its first position
// and takes the last name.
func Read(reader io.Reader) ([]Student, error) {
	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1

	if _, err := csvReader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("read roster header: %w", err)
	}

	index := make(map[string]int)
	students := make([]Student, 0)
	for {
		record, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read roster row: %w", err)
		}
		if len(record) < 2 {
			continue
		}

		name := NormalizeName(record[0])
		username := strings.TrimSpace(record[1])
		if name == "" || username == "" {
			continue
		}
		if i, ok := index[username]; ok {
			students[i].DisplayName = name
			continue
		}
		index[username] = len(students)
		students = append(students, Student{Username: username, DisplayName: name})
	}

	if len(students) == 0 {
		return nil, ErrEmpty
	}
	return students, nil
}

// Load reads the roster at path.
func Load(path string) ([]Student, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer file.Close()

	students, err := Read(file)
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	return students, nil
}

// WithAdjustments returns a copy of students with extensions attached by
// username. Extensions for usernames absent from the roster are ignored.
func WithAdjustments(students []Student, adjustments map[string]Adjustment) []Student {
	out := make([]Student, len(students))
	copy(out, students)
	for i := range out {
		if adjustment, ok := adjustments[out[i].Username]; ok {
			out[i].Adjustment = adjustment
		}
	}
	return out
}

// HasAdjustments reports whether any student carries an extension.
func HasAdjustments(students []Student) bool {
	for _, student := range students {
		if !student.Adjustment.IsZero() {
			return true
		}
	}
	return false
}
