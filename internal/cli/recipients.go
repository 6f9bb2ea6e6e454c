package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/postalworks/batchpress/pkg/template"
)

// loadRecipients reads a recipient list from disk. JSON files hold an array
// of recipient objects, CSV files a header row followed by one record per
// line. The format is picked by file extension.
func loadRecipients(path string) ([]template.Recipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipients %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseRecipientsJSON(data)
	case ".csv":
		return parseRecipientsCSV(data)
	default:
		return nil, fmt.Errorf("unsupported recipients format %q (want .json or .csv)", filepath.Ext(path))
	}
}

func parseRecipientsJSON(data []byte) ([]template.Recipient, error) {
	var recipients []template.Recipient
	if err := json.Unmarshal(data, &recipients); err != nil {
		return nil, fmt.Errorf("parse recipients: %w", err)
	}
	return recipients, nil
}

func parseRecipientsCSV(data []byte) ([]template.Recipient, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse recipients: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("parse recipients: no records after header row")
	}

	header := rows[0]
	recipients := make([]template.Recipient, 0, len(rows)-1)
	for _, row := range rows[1:] {
		fields := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				fields[col] = strings.TrimSpace(row[i])
			}
		}
		recipients = append(recipients, template.DecodeRecipient(fields))
	}
	return recipients, nil
}
