// Package services – ImportService
//
// ImportService reconciles bulk customer lists into engagement records. Rows
// are classified, normalized and de-duplicated in file order, then applied in
// batches by a bounded worker group. Every row is isolated: a bad phone or a
// failed write is reported against its line and the run carries on. Imports
// add history only; they never mint rewards and never move the live cooldown
// anchor.
//
// Imported customers are created with the import consent policy (marketing
// consent and age verification assumed), which is deliberately weaker than
// the live kiosk path where both start false.

package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/notify"
	"github.com/tbourn/go-loyalty-backend/internal/observability"
	"github.com/tbourn/go-loyalty-backend/internal/phone"
	"github.com/tbourn/go-loyalty-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Row error reasons.
const (
	ReasonMissingPhone               = "MissingPhone"
	ReasonInvalidFormat              = "InvalidFormat"
	ReasonInvalidInternationalFormat = "InvalidInternationalFormat"
	ReasonStoreError                 = "StoreError"
)

const importConsentSource = "import"

// errRunApplied marks a run whose rows were written but whose final state
// could not be saved. Workers do not retry it; it stays processing and
// resumes from its saved progress on the next start.
var errRunApplied = errors.New("import applied but run state not saved")

// ImportOptions are the per-submission switches.
type ImportOptions struct {
	SendWelcome bool
}

// ImportResult is the tally of one import. WelcomePending means welcome
// messages are still being sent in the background.
type ImportResult struct {
	RunID          string            `json:"job_id,omitempty"`
	Total          int               `json:"total"`
	Created        int               `json:"created"`
	Updated        int               `json:"updated"`
	Skipped        int               `json:"skipped"`
	WelcomeSent    int               `json:"welcome_sent"`
	WelcomeFailed  int               `json:"welcome_failed"`
	WelcomePending bool              `json:"welcome_pending,omitempty"`
	Errors         []domain.RowError `json:"errors"`
}

// ImportService applies bulk imports.
type ImportService struct {
	DB         *gorm.DB
	Classifier ColumnClassifier
	Phone      phone.Normalizer

	// Sender delivers welcome messages directly so the run can report them.
	Sender notify.Sender
	// OnOutcome observes welcome deliveries, typically to feed subscription
	// state back into customer records.
	OnOutcome notify.OutcomeHook

	MaxRows      int
	BatchSize    int
	Concurrency  int
	RowIncrement int

	// DefaultThreshold is the reward threshold quoted in welcome messages
	// when neither the template nor the business sets one.
	DefaultThreshold int

	WelcomeBatchSize    int
	WelcomeBatchDelay   time.Duration
	AllowedCountryCodes []string

	Now func() time.Time
}

func (s *ImportService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *ImportService) classifier() ColumnClassifier {
	if s.Classifier != nil {
		return s.Classifier
	}
	return HeuristicClassifier{}
}

type numberedRow struct {
	line  int
	cells []string
}

// dataRows returns the non-blank data rows with their 1-based file lines.
func (s *ImportService) dataRows(rows [][]string) (ColumnPlan, []numberedRow) {
	plan := s.classifier().Classify(rows)
	start := plan.DataStart()
	if start > len(rows) {
		return plan, nil
	}
	out := make([]numberedRow, 0, len(rows)-start)
	for i := start; i < len(rows); i++ {
		if blank(rows[i]) {
			continue
		}
		out = append(out, numberedRow{line: i + 1, cells: rows[i]})
	}
	return plan, out
}

// CountDataRows reports how many rows of a file would be imported.
func (s *ImportService) CountDataRows(rows [][]string) int {
	_, data := s.dataRows(rows)
	return len(data)
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ImportRows applies rows to the business identified by businessID without
// tracking a run. Welcome messages, when requested, are sent before it
// returns.
func (s *ImportService) ImportRows(ctx context.Context, rows [][]string, businessID string, opts ImportOptions) (*ImportResult, error) {
	tr := otel.Tracer("services/ImportService")
	ctx, span := tr.Start(ctx, "ImportRows",
		trace.WithAttributes(
			attribute.String("business.id", businessID),
			attribute.Int("import.rows", len(rows)),
		),
	)
	defer span.End()

	biz, err := repo.GetBusiness(ctx, s.DB, businessID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrBusinessNotFound
	}
	if err != nil {
		return nil, err
	}
	res, welcome, err := s.importRows(ctx, rows, biz, importCursor{})
	if err != nil {
		return nil, err
	}
	if opts.SendWelcome && len(welcome) > 0 {
		res.WelcomeSent, res.WelcomeFailed = s.sendWelcomes(ctx, biz, welcome)
	}
	return res, nil
}

type progressFunc func(ctx context.Context, p repo.ImportProgress) error

// importCursor ties importRows to a tracked run. The zero value imports the
// whole file and persists nothing.
type importCursor struct {
	runID string
	// done counts the leading data rows an earlier attempt already applied;
	// prior is their tally.
	done     int
	prior    *ImportResult
	progress progressFunc
}

type rowWork struct {
	row   importRow
	phone string
}

type rowOutcome struct {
	customer *domain.Customer
	created  bool
	err      error
}

type welcomeTarget struct {
	customerID string
	phone      string
	count      int
}

// screen extracts and normalizes one data row. A row that cannot be imported
// comes back with its error.
func (s *ImportService) screen(plan ColumnPlan, nr numberedRow) (importRow, string, *domain.RowError) {
	r := plan.extract(nr.line, nr.cells)
	if r.Phone == "" {
		return r, "", &domain.RowError{Row: nr.line, Value: strings.Join(nr.cells, ","), Reason: ReasonMissingPhone}
	}
	ph, err := s.Phone.Normalize(r.Phone)
	if err != nil {
		reason := ReasonInvalidFormat
		if errors.Is(err, phone.ErrInvalidInternationalFormat) {
			reason = ReasonInvalidInternationalFormat
		}
		return r, "", &domain.RowError{Row: nr.line, Value: r.Phone, Reason: reason}
	}
	return r, ph, nil
}

func (s *ImportService) importRows(ctx context.Context, rows [][]string, biz *domain.Business, cur importCursor) (*ImportResult, []welcomeTarget, error) {
	plan, data := s.dataRows(rows)
	if len(data) == 0 {
		return nil, nil, ErrEmptyFile
	}
	if s.MaxRows > 0 && len(data) > s.MaxRows {
		return nil, nil, fmt.Errorf("%w: %d rows, limit %d", ErrTooManyRows, len(data), s.MaxRows)
	}

	batch := s.BatchSize
	if batch <= 0 {
		batch = 100
	}
	limit := s.Concurrency
	if limit <= 0 {
		limit = 4
	}
	now := s.now()

	res := &ImportResult{Total: len(data), Errors: []domain.RowError{}}
	seen := make(map[string]struct{}, len(data))
	var welcome []welcomeTarget

	done := min(max(cur.done, 0), len(data))
	if done > 0 && cur.prior != nil {
		res.Created, res.Updated, res.Skipped = cur.prior.Created, cur.prior.Updated, cur.prior.Skipped
		res.Errors = append(res.Errors, cur.prior.Errors...)
	}
	// Applied rows are not written again, but their phones still shadow
	// later duplicates.
	for _, nr := range data[:done] {
		if _, ph, rowErr := s.screen(plan, nr); rowErr == nil {
			seen[ph] = struct{}{}
		}
	}

	for start := done; start < len(data); start += batch {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		end := min(start+batch, len(data))
		// A started batch is written and recorded even if ctx ends meanwhile,
		// so the saved progress always matches the stored rows.
		bctx := context.WithoutCancel(ctx)

		// Extraction and de-duplication run in file order so that the first
		// occurrence of a phone always wins.
		work := make([]rowWork, 0, end-start)
		for _, nr := range data[start:end] {
			r, ph, rowErr := s.screen(plan, nr)
			if rowErr != nil {
				res.skip(rowErr.Row, rowErr.Value, rowErr.Reason)
				continue
			}
			if _, dup := seen[ph]; dup {
				res.Skipped++
				observability.ImportRows.WithLabelValues("duplicate").Inc()
				continue
			}
			seen[ph] = struct{}{}
			work = append(work, rowWork{row: r, phone: ph})
		}

		outcomes := make([]rowOutcome, len(work))
		var g errgroup.Group
		g.SetLimit(limit)
		for i := range work {
			g.Go(func() error {
				c, created, err := s.upsertRow(bctx, biz, cur.runID, work[i], now)
				outcomes[i] = rowOutcome{customer: c, created: created, err: err}
				return nil
			})
		}
		_ = g.Wait()

		for i, o := range outcomes {
			switch {
			case o.err != nil:
				log.Error().Err(o.err).Int("row", work[i].row.Line).Str("business_id", biz.ID).Msg("import row failed")
				res.skip(work[i].row.Line, phone.Mask(work[i].phone), ReasonStoreError)
			case o.created:
				res.Created++
				observability.ImportRows.WithLabelValues("created").Inc()
				if o.customer.SubscriptionState == domain.SubscriptionActive {
					welcome = append(welcome, welcomeTarget{customerID: o.customer.ID, phone: o.customer.Phone, count: o.customer.CheckinCount})
				}
			default:
				res.Updated++
				observability.ImportRows.WithLabelValues("updated").Inc()
			}
		}

		if cur.progress != nil {
			errs, err := json.Marshal(res.Errors)
			if err != nil {
				return nil, nil, err
			}
			p := repo.ImportProgress{
				ProcessedRows: end,
				Progress:      end * 100 / len(data),
				Created:       res.Created,
				Updated:       res.Updated,
				Skipped:       res.Skipped,
				Errors:        datatypes.JSON(errs),
			}
			if err := cur.progress(bctx, p); err != nil {
				log.Warn().Err(err).Msg("save import progress")
			}
		}
	}

	sort.SliceStable(res.Errors, func(i, j int) bool { return res.Errors[i].Row < res.Errors[j].Row })
	return res, welcome, nil
}

func (r *ImportResult) skip(line int, value, reason string) {
	r.Skipped++
	r.Errors = append(r.Errors, domain.RowError{Row: line, Value: value, Reason: reason})
	observability.ImportRows.WithLabelValues("error").Inc()
}

// upsertRow applies one row in its own transaction. Transient store errors,
// such as a busy database, are retried a few times. Customers created by a
// tracked run remember its id.
func (s *ImportService) upsertRow(ctx context.Context, biz *domain.Business, runID string, w rowWork, now time.Time) (*domain.Customer, bool, error) {
	at := now
	if w.row.Date != nil {
		at = *w.row.Date
	}
	inc := s.RowIncrement
	if inc <= 0 {
		inc = 1
	}
	name := normalizeName(w.row.Name)
	var runRef *string
	if runID != "" {
		runRef = &runID
	}

	type applied struct {
		customer *domain.Customer
		created  bool
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	out, err := backoff.Retry(ctx, func() (applied, error) {
		var a applied
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			c, created, err := repo.FindOrCreateCustomer(ctx, tx, biz.ID, w.phone, domain.Customer{
				Name:              name,
				Email:             w.row.Email,
				Notes:             w.row.Notes,
				SubscriptionState: stateFromStatus(w.row.Status),
				MarketingConsent:  true,
				AgeVerified:       true,
				ConsentSource:     importConsentSource,
				CreatedVia:        domain.SourceImport,
				ImportRunID:       runRef,
			})
			if err != nil {
				return err
			}
			upd, err := repo.IncrementCheckins(ctx, tx, c.ID, repo.Increment{Delta: inc, At: at, KeepLatest: true})
			if err != nil {
				return err
			}
			if !created {
				md := repo.Metadata{Name: name, Email: w.row.Email, Notes: w.row.Notes}
				if err := repo.MergeCustomerMetadata(ctx, tx, c.ID, md); err != nil {
					return err
				}
			}
			a = applied{customer: upd, created: created}
			return repo.AppendCheckinEvent(ctx, tx, &domain.CheckinEvent{
				BusinessID: biz.ID,
				CustomerID: &upd.ID,
				Phone:      w.phone,
				Source:     domain.SourceImport,
				CountAfter: upd.CheckinCount,
				CreatedAt:  now,
			})
		})
		return a, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(3))
	if err != nil {
		return nil, false, err
	}
	return out.customer, out.created, nil
}

// sendWelcomes messages newly created customers in small batches with a pause
// between batches and returns the delivered and failed counts. Numbers
// outside the allowed country codes are left alone.
func (s *ImportService) sendWelcomes(ctx context.Context, biz *domain.Business, targets []welcomeTarget) (sent, failed int) {
	if s.Sender == nil {
		return 0, 0
	}
	allowed := s.AllowedCountryCodes
	if len(allowed) == 0 {
		allowed = []string{s.Phone.CountryCode}
	}
	eligible := targets[:0:0]
	for _, t := range targets {
		if phone.CountryCodeOf(t.phone, allowed) != "" {
			eligible = append(eligible, t)
		}
	}

	tpl, _ := repo.ActiveTemplateFor(ctx, s.DB, biz.ID)
	threshold := resolveThreshold(biz, tpl, s.DefaultThreshold)

	size := s.WelcomeBatchSize
	if size <= 0 {
		size = 10
	}
	var mu sync.Mutex
	for i := 0; i < len(eligible); i += size {
		if i > 0 && s.WelcomeBatchDelay > 0 {
			t := time.NewTimer(s.WelcomeBatchDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return sent, failed
			case <-t.C:
			}
		}
		var g errgroup.Group
		for _, t := range eligible[i:min(i+size, len(eligible))] {
			g.Go(func() error {
				in := notify.Intent{
					Kind:       notify.KindWelcome,
					BusinessID: biz.ID,
					CustomerID: t.customerID,
					Phone:      t.phone,
					Body:       WelcomeBody(biz.Name, untilReward(t.count, threshold)),
				}
				out, err := s.Sender.Send(ctx, in.Phone, in.Body)
				if err != nil && out == notify.Delivered {
					out = notify.Failed
				}
				observability.Notifications.WithLabelValues(string(in.Kind), string(out)).Inc()

				mu.Lock()
				if out == notify.Delivered {
					sent++
				} else {
					failed++
				}
				mu.Unlock()

				if err != nil {
					log.Warn().Err(err).Str("phone", phone.Mask(in.Phone)).Str("outcome", string(out)).Msg("welcome message not delivered")
				}
				if s.OnOutcome != nil {
					s.OnOutcome(ctx, in, out)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return sent, failed
}

// Run executes the tracked import run id, welcome messages included. A run
// that already reached a terminal state is reported as stored once any
// welcomes it still owes are sent.
func (s *ImportService) Run(ctx context.Context, runID string) (*ImportResult, error) {
	res, err := s.Apply(ctx, runID)
	if err != nil || !res.WelcomePending {
		return res, err
	}
	return s.Welcome(ctx, runID)
}

// Apply writes the rows of run id and records its tally, leaving any welcome
// messages pending for Welcome. An attempt that follows an interrupted one
// continues after the last saved batch.
func (s *ImportService) Apply(ctx context.Context, runID string) (*ImportResult, error) {
	tr := otel.Tracer("services/ImportService")
	ctx, span := tr.Start(ctx, "Apply", trace.WithAttributes(attribute.String("import.id", runID)))
	defer span.End()

	run, err := repo.GetImportRun(ctx, s.DB, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrImportNotFound
	}
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return ResultFromRun(run), nil
	}
	if err := repo.MarkImportProcessing(ctx, s.DB, run.ID); err != nil {
		return nil, err
	}

	biz, err := repo.GetBusiness(ctx, s.DB, run.BusinessID)
	if errors.Is(err, repo.ErrNotFound) {
		err = ErrBusinessNotFound
	}
	if err != nil {
		if !Retryable(err) {
			s.Fail(ctx, run.ID, err)
		}
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal(run.Rows, &rows); err != nil {
		err = fmt.Errorf("%w: stored rows unreadable: %v", ErrEmptyFile, err)
		s.Fail(ctx, run.ID, err)
		return nil, err
	}

	cur := importCursor{
		runID: run.ID,
		done:  run.ProcessedRows,
		prior: ResultFromRun(run),
		progress: func(ctx context.Context, p repo.ImportProgress) error {
			return repo.SaveImportProgress(ctx, s.DB, run.ID, p)
		},
	}
	if cur.done > 0 {
		log.Info().Str("import_id", run.ID).Int("processed_rows", cur.done).Msg("resuming import")
	}
	res, _, err := s.importRows(ctx, rows, biz, cur)
	if err != nil {
		if !Retryable(err) {
			s.Fail(ctx, run.ID, err)
		}
		return nil, err
	}
	res.RunID = run.ID
	res.WelcomePending = run.SendWelcome && s.Sender != nil && res.Created > 0

	errs, err := json.Marshal(res.Errors)
	if err != nil {
		return nil, err
	}
	outcome := repo.ImportOutcome{
		Total:          res.Total,
		Created:        res.Created,
		Updated:        res.Updated,
		Skipped:        res.Skipped,
		WelcomePending: res.WelcomePending,
		Errors:         datatypes.JSON(errs),
	}
	// Every row is written at this point; the final state is saved even when
	// ctx has ended.
	wctx := context.WithoutCancel(ctx)
	_, err = backoff.Retry(wctx, func() (struct{}, error) {
		return struct{}{}, repo.CompleteImportRun(wctx, s.DB, run.ID, outcome)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		log.Error().Err(err).Str("import_id", run.ID).Msg("complete import run")
		return res, fmt.Errorf("%w: %v", errRunApplied, err)
	}
	observability.ImportRuns.WithLabelValues(string(domain.ImportCompleted)).Inc()
	log.Info().
		Str("import_id", run.ID).
		Int("total", res.Total).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("skipped", res.Skipped).
		Bool("welcome_pending", res.WelcomePending).
		Msg("import completed")
	return res, nil
}

// Welcome sends the welcome messages a completed run still owes, to the
// active customers the run created, and records the tally. A pass cut short
// by ctx is recorded as it stands and not repeated.
func (s *ImportService) Welcome(ctx context.Context, runID string) (*ImportResult, error) {
	tr := otel.Tracer("services/ImportService")
	ctx, span := tr.Start(ctx, "Welcome", trace.WithAttributes(attribute.String("import.id", runID)))
	defer span.End()

	run, err := repo.GetImportRun(ctx, s.DB, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrImportNotFound
	}
	if err != nil {
		return nil, err
	}
	if !run.WelcomePending {
		return ResultFromRun(run), nil
	}
	biz, err := repo.GetBusiness(ctx, s.DB, run.BusinessID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrBusinessNotFound
	}
	if err != nil {
		return nil, err
	}
	customers, err := repo.ListImportedCustomers(ctx, s.DB, run.ID)
	if err != nil {
		return nil, err
	}
	targets := make([]welcomeTarget, 0, len(customers))
	for _, c := range customers {
		targets = append(targets, welcomeTarget{customerID: c.ID, phone: c.Phone, count: c.CheckinCount})
	}

	sent, failed := s.sendWelcomes(ctx, biz, targets)
	if err := repo.CompleteImportWelcome(context.WithoutCancel(ctx), s.DB, run.ID, sent, failed); err != nil {
		return nil, err
	}
	run.WelcomeSent, run.WelcomeFailed, run.WelcomePending = sent, failed, false
	log.Info().
		Str("import_id", run.ID).
		Int("welcome_sent", sent).
		Int("welcome_failed", failed).
		Msg("import welcomes sent")
	return ResultFromRun(run), nil
}

// Process runs a queued import for a background worker, retrying transient
// failures up to attempts times. A run that exhausts its attempts is marked
// failed.
func (s *ImportService) Process(ctx context.Context, runID string, attempts int) error {
	if attempts <= 0 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (*ImportResult, error) {
		res, err := s.Run(ctx, runID)
		if err != nil && !Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(attempts)))
	if err != nil && Retryable(err) && ctx.Err() == nil {
		s.Fail(ctx, runID, err)
	}
	return err
}

// Fail marks run id failed with the reason taken from cause.
func (s *ImportService) Fail(ctx context.Context, runID string, cause error) {
	if err := repo.FailImportRun(context.WithoutCancel(ctx), s.DB, runID, cause.Error()); err != nil {
		log.Error().Err(err).Str("import_id", runID).Msg("mark import failed")
		return
	}
	observability.ImportRuns.WithLabelValues(string(domain.ImportFailed)).Inc()
	log.Warn().Err(cause).Str("import_id", runID).Msg("import failed")
}

// ResultFromRun renders a stored run as an ImportResult.
func ResultFromRun(run *domain.ImportRun) *ImportResult {
	res := &ImportResult{
		RunID:          run.ID,
		Total:          run.TotalRows,
		Created:        run.Created,
		Updated:        run.Updated,
		Skipped:        run.Skipped,
		WelcomeSent:    run.WelcomeSent,
		WelcomeFailed:  run.WelcomeFailed,
		WelcomePending: run.WelcomePending,
		Errors:         []domain.RowError{},
	}
	if len(run.Errors) > 0 {
		_ = json.Unmarshal(run.Errors, &res.Errors)
	}
	return res
}

var spaceRE = regexp.MustCompile(`\s+`)

// normalizeName collapses whitespace and title-cases names written entirely
// in one case. Mixed-case names are kept as typed.
func normalizeName(s string) string {
	s = spaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
	if s == "" {
		return ""
	}
	if s == strings.ToUpper(s) || s == strings.ToLower(s) {
		return cases.Title(language.English).String(strings.ToLower(s))
	}
	return s
}

func stateFromStatus(v string) domain.SubscriptionState {
	switch labelKey(v) {
	case "unsubscribed", "optedout", "optout", "stop", "stopped":
		return domain.SubscriptionUnsubscribed
	case "blocked":
		return domain.SubscriptionBlocked
	case "invalid":
		return domain.SubscriptionInvalid
	}
	return domain.SubscriptionActive
}
