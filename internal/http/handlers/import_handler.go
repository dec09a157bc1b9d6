// Import HTTP handlers.
//
// This file exposes REST endpoints for bulk customer imports:
//   - POST /businesses/{slug}/imports   (CSV upload or JSON rows)
//   - GET  /imports/{id}                (run status, progress and row errors)
//
// Small files are processed within the request and answered with 200 and the
// full result. Larger files are queued and answered with 202 and a job id to
// poll.
package handlers

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-loyalty-backend/internal/services"
)

const defaultMaxUploadBytes = 10 << 20

// utf8BOM is stripped from the first cell; spreadsheet exports often add it.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

//
// DTOs
//

// ImportRowsRequest is the JSON alternative to a CSV upload.
type ImportRowsRequest struct {
	// Rows are raw records; the first may be a header.
	Rows [][]string `json:"rows" binding:"required"`
	// SendWelcome opts newly created customers into a welcome message.
	SendWelcome bool `json:"send_welcome"`
}

//
// Helpers
//

// parseCSV reads every record of r. Ragged rows are accepted; the classifier
// works per cell.
func parseCSV(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr.ReadAll()
}

// readImport extracts rows and options from either a multipart upload
// (field "file", optional form field "send_welcome") or a JSON body.
func (h *Handlers) readImport(c *gin.Context) ([][]string, services.ImportOptions, error) {
	var opts services.ImportOptions

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		limit := h.MaxUploadBytes
		if limit <= 0 {
			limit = defaultMaxUploadBytes
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

		fh, err := c.FormFile("file")
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return nil, opts, err
			}
			return nil, opts, errors.New("multipart field \"file\" required")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, opts, err
		}
		defer f.Close()

		rows, err := parseCSV(f)
		if err != nil {
			return nil, opts, errors.New("file is not valid CSV")
		}
		opts.SendWelcome, _ = strconv.ParseBool(c.PostForm("send_welcome"))
		return rows, opts, nil
	}

	var req ImportRowsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, opts, errors.New("rows required")
	}
	opts.SendWelcome = req.SendWelcome
	return req.Rows, opts, nil
}

//
// Handlers
//

// CreateImport godoc
// @ID          createImport
// @Summary     Import customers for a business
// @Description Accepts a CSV upload (multipart field "file") or JSON rows. Files at
// @Description or below the inline limit return the result; larger ones are queued.
// @Tags        Imports
// @Accept      json,mpfd
// @Produce     json
//
// @Param       slug          path      string  true  "Business slug"  example(corner-cafe)
// @Param       file          formData  file    false "CSV file"
// @Param       send_welcome  formData  bool    false "Send welcome messages to new customers"
// @Param       body          body      handlers.ImportRowsRequest  false  "JSON rows"
//
// @Success     200  {object}  services.ImportResult   "Processed inline"
// @Success     202  {object}  services.Submission     "Queued"
// @Failure     400  {object}  handlers.ErrorResponse  "Empty or malformed file"
// @Failure     404  {object}  handlers.ErrorResponse  "Business not found"
// @Failure     413  {object}  handlers.ErrorResponse  "Too many rows"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /businesses/{slug}/imports [post]
func (h *Handlers) CreateImport(c *gin.Context) {
	slug := strings.ToLower(strings.TrimSpace(c.Param("slug")))

	rows, opts, err := h.readImport(c)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooManyRows, "file too large")
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	sub, err := h.importSvc.Submit(c.Request.Context(), slug, rows, opts)
	if err != nil {
		failErr(c, err, ErrCodeImportFailed)
		return
	}
	if sub.Async {
		c.Header("Location", "imports/"+sub.JobID)
		ok(c, http.StatusAccepted, sub)
		return
	}
	ok(c, http.StatusOK, sub.Result)
}

// GetImport godoc
// @ID          getImport
// @Summary     Import run status
// @Description Returns status, progress, tallies and per-row errors of an import run.
// @Tags        Imports
// @Produce     json
//
// @Param       id  path  string  true  "Import run ID (UUID)"  format(uuid)
//
// @Success     200  {object}  domain.ImportRun
// @Failure     404  {object}  handlers.ErrorResponse  "Import not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /imports/{id} [get]
func (h *Handlers) GetImport(c *gin.Context) {
	run, err := h.importSvc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err, ErrCodeImportFailed)
		return
	}
	if run.Status.Terminal() {
		c.Header("Cache-Control", "private, max-age=60")
	} else {
		c.Header("Cache-Control", "no-store")
	}
	ok(c, http.StatusOK, run)
}
