package sheets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

var headers = []interface{}{
	"Posted at (UTC)",
	"Sender (handle)",
	"Sender (id)",
	"Message",
	"Thread (timestamp of the root, empty if not a reply)",
	"Message timestamp",
}

type Client struct {
	service *sheets.Service
	log     zerolog.Logger
}

func NewClient(ctx context.Context, credentialsJSON string, log zerolog.Logger) (*Client, error) {
	log = log.With().Str("component", "sheets").Logger()

	var credentialsData []byte
	var err error

	// File path criteria: shorter than 512 chars, ends with .json, and doesn't start with {
	isFilePath := len(credentialsJSON) < 512 &&
		strings.HasSuffix(credentialsJSON, ".json") &&
		!strings.HasPrefix(strings.TrimSpace(credentialsJSON), "{")

	if isFilePath {
		credentialsData, err = os.ReadFile(credentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("unable to read credentials file '%s': %w", credentialsJSON, err)
		}
		log.Debug().Str("path", credentialsJSON).Int("bytes", len(credentialsData)).Msg("read credentials from file")
	} else {
		credentialsData = []byte(credentialsJSON)
		log.Debug().Int("bytes", len(credentialsData)).Msg("using credentials as JSON content")
	}

	service, err := sheets.NewService(ctx, option.WithCredentialsJSON(credentialsData))
	if err != nil {
		return nil, fmt.Errorf("unable to create sheets service: %w", err)
	}

	return &Client{service: service, log: log}, nil
}

// SheetName is the tab a channel is exported to.
func SheetName(channelID, channelName string) string {
	return fmt.Sprintf("%s-%s", channelName, channelID)
}

// EnsureChannelSheet finds the channel's tab by its id suffix, renaming it
// if the channel was renamed, or creates it with a header row. It returns
// the tab's current title.
func (c *Client) EnsureChannelSheet(ctx context.Context, spreadsheetID, channelID, channelName string) (string, error) {
	spreadsheet, err := c.service.Spreadsheets.Get(spreadsheetID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to get spreadsheet: %w", err)
	}

	expectedSheetName := SheetName(channelID, channelName)
	var existingSheet *sheets.Sheet

	for _, sheet := range spreadsheet.Sheets {
		if strings.HasSuffix(sheet.Properties.Title, "-"+channelID) {
			existingSheet = sheet
			break
		}
	}

	if existingSheet != nil {
		if existingSheet.Properties.Title == expectedSheetName {
			return expectedSheetName, nil
		}

		c.log.Info().
			Str("from", existingSheet.Properties.Title).
			Str("to", expectedSheetName).
			Msg("updating sheet name")

		updateRequest := &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{
				{
					UpdateSheetProperties: &sheets.UpdateSheetPropertiesRequest{
						Properties: &sheets.SheetProperties{
							SheetId: existingSheet.Properties.SheetId,
							Title:   expectedSheetName,
						},
						Fields: "title",
					},
				},
			},
		}
		if _, err := c.service.Spreadsheets.BatchUpdate(spreadsheetID, updateRequest).Context(ctx).Do(); err != nil {
			return "", fmt.Errorf("unable to rename sheet: %w", err)
		}
		return expectedSheetName, nil
	}

	c.log.Info().Str("sheet", expectedSheetName).Msg("creating new sheet")

	createRequest := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				AddSheet: &sheets.AddSheetRequest{
					Properties: &sheets.SheetProperties{
						Title: expectedSheetName,
					},
				},
			},
		},
	}
	if _, err := c.service.Spreadsheets.BatchUpdate(spreadsheetID, createRequest).Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("unable to create sheet: %w", err)
	}

	headerRange := &sheets.ValueRange{
		Values: [][]interface{}{headers},
	}
	_, err = c.service.Spreadsheets.Values.Update(
		spreadsheetID,
		expectedSheetName+"!A1:F1",
		headerRange,
	).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		c.log.Warn().Err(err).Str("sheet", expectedSheetName).Msg("unable to add headers to new sheet")
	}

	return expectedSheetName, nil
}

// AppendRows appends rows below the last filled row of the tab.
func (c *Client) AppendRows(ctx context.Context, spreadsheetID, sheetName string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	valueRange := &sheets.ValueRange{Values: rows}

	_, err := c.service.Spreadsheets.Values.Append(
		spreadsheetID,
		sheetName+"!A:F",
		valueRange,
	).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to write data to sheet: %w", err)
	}
	return nil
}
