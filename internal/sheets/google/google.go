package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"carbonsplit/internal/core"
	"carbonsplit/internal/log"
	ports "carbonsplit/internal/sheets"
)

const defaultSheetName = "Funding"

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	logger        *log.Logger
}

// Ensure interface conformance
var (
	_ ports.FundingExporter = (*Client)(nil)
	_ ports.FundingReader   = (*Client)(nil)
)

// Options select the spreadsheet and the service account used to write it.
// CredentialsJSON wins over CredentialsFile; with neither set the standard
// GOOGLE_APPLICATION_CREDENTIALS file is tried.
type Options struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsJSON string
	CredentialsFile string
}

// New creates a Sheets client authenticated with a service account.
func New(ctx context.Context, opts Options) (*Client, error) {
	spreadsheetID := strings.TrimSpace(opts.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	creds, err := credentials(opts)
	if err != nil {
		return nil, err
	}
	svc, err := newSheetsService(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return NewWithService(svc, spreadsheetID, opts.SheetName), nil
}

// NewWithService wraps an existing service.
func NewWithService(svc *gsheet.Service, spreadsheetID, sheetName string) *Client {
	sheetName = strings.TrimSpace(sheetName)
	if sheetName == "" {
		sheetName = defaultSheetName
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        log.FromDefault().WithComponent(log.ComponentReport),
	}
}

func credentials(opts Options) ([]byte, error) {
	serviceAccountJSON := strings.TrimSpace(opts.CredentialsJSON)
	serviceAccountFile := strings.TrimSpace(opts.CredentialsFile)
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	switch {
	case serviceAccountJSON != "":
		return []byte(serviceAccountJSON), nil
	case serviceAccountFile != "":
		data, err := os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}
}

func newSheetsService(ctx context.Context, credentialsJSON []byte) (*gsheet.Service, error) {
	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

// ExportFunding clears the report sheet and writes the header and rows from A1.
func (c *Client) ExportFunding(ctx context.Context, rows []core.ProjectFunding) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}

	all := fmt.Sprintf("%s!A:%s", c.sheetName, lastColumn())
	if _, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, all, &gsheet.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return fmt.Errorf("clear %s: %w", all, err)
	}

	start := fmt.Sprintf("%s!A1", c.sheetName)
	vr := &gsheet.ValueRange{Values: toValues(ports.Table(rows))}
	if _, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, start, vr).
		ValueInputOption("USER_ENTERED").Context(ctx).Do(); err != nil {
		return fmt.Errorf("update %s: %w", start, err)
	}

	c.logger.InfoContext(ctx, "Exported funding report",
		log.FieldRows, len(rows),
		"sheet", c.sheetName)
	return nil
}

// ReadFunding reads back the report sheet.
func (c *Client) ReadFunding(ctx context.Context) ([][]string, error) {
	if c.svc == nil {
		return nil, errors.New("sheets service not initialized")
	}
	rng := fmt.Sprintf("%s!A:%s", c.sheetName, lastColumn())
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	return fromValues(resp.Values), nil
}
