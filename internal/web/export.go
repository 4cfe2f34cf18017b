package web

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/MiniETL/internal/core"
	"github.com/JonMunkholm/MiniETL/internal/logging"
)

// exportColumns is the header row of the users CSV.
var exportColumns = []string{"id", "name", "email", "phone", "location", "age", "gender", "country", "valid"}

// handleExportCSV exports the users of the current result as a CSV file.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	res, ok := s.currentOrRun(w, r)
	if !ok {
		return
	}

	// Set CSV download headers with timestamp
	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("mini-etl-users_%s.csv", timestamp)
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	csvWriter := csv.NewWriter(w)
	_ = csvWriter.Write(exportColumns)
	for _, u := range res.Users {
		_ = csvWriter.Write(exportRow(u))
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		logging.FromContext(r.Context()).Error("csv export failed", "error", err)
	}
}

// exportRow formats one user. Absent fields are empty cells; country is
// the nationality code, else the location country.
func exportRow(u core.CleanRecord) []string {
	age := ""
	if a, ok := u.Age.Get(); ok {
		age = strconv.Itoa(a)
	}

	var location []string
	for _, part := range []core.Field[string]{u.City(), u.Country()} {
		if v, ok := part.Get(); ok {
			location = append(location, v)
		}
	}

	country := u.Nat
	if !country.Present() {
		country = u.Country()
	}

	return []string{
		u.ID.Or(""),
		u.Name.Or(""),
		u.Email.Or(""),
		u.Phone.Or(""),
		strings.Join(location, ", "),
		age,
		u.Gender.Or(""),
		country.Or(""),
		strconv.FormatBool(u.Valid),
	}
}
