package resolver

import (
	"fmt"
	"regexp"
)

// The depot page lists published manifests in a table whose first body
// row is the newest. The manifest id sits in the third cell of that row.
// Matching is anchored on the table id rather than full HTML parsing;
// the structure has been stable and a miss is reported as ParseFailure.
var (
	manifestTableRe = regexp.MustCompile(`(?is)<table[^>]*\bid="manifests"[^>]*>.*?<tbody[^>]*>(.*?)</tbody>`)
	tableRowRe      = regexp.MustCompile(`(?is)<tr[^>]*>(.*?)</tr>`)
	tableCellRe     = regexp.MustCompile(`(?is)<td[^>]*>(.*?)</td>`)
	manifestIDRe    = regexp.MustCompile(`\b\d{10,}\b`)
)

// extractLatestManifest pulls the newest manifest id out of the depot
// page markup.
func extractLatestManifest(page string) (string, error) {
	body := manifestTableRe.FindStringSubmatch(page)
	if body == nil {
		return "", fmt.Errorf("manifest table not found")
	}
	row := tableRowRe.FindStringSubmatch(body[1])
	if row == nil {
		return "", fmt.Errorf("manifest table has no rows")
	}
	cells := tableCellRe.FindAllStringSubmatch(row[1], -1)
	if len(cells) < 3 {
		return "", fmt.Errorf("manifest row has %d cells, want at least 3", len(cells))
	}
	id := manifestIDRe.FindString(cells[2][1])
	if id == "" {
		return "", fmt.Errorf("no manifest id in cell %q", cells[2][1])
	}
	return id, nil
}
