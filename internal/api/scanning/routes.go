// Package scanning binds the scan lifecycle endpoints: dispatch, intake,
// submit/fail, listing, reporting, and ruleset management.
package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/vipyrsec/dragonfly-mainframe/internal/api/auth"
	"github.com/vipyrsec/dragonfly-mainframe/internal/api/errs"
	"github.com/vipyrsec/dragonfly-mainframe/internal/api/mid"
	appreporting "github.com/vipyrsec/dragonfly-mainframe/internal/app/reporting"
	apprules "github.com/vipyrsec/dragonfly-mainframe/internal/app/rules"
	appscanning "github.com/vipyrsec/dragonfly-mainframe/internal/app/scanning"
	rulesDomain "github.com/vipyrsec/dragonfly-mainframe/internal/domain/rules"
	scanDomain "github.com/vipyrsec/dragonfly-mainframe/internal/domain/scanning"
	"github.com/vipyrsec/dragonfly-mainframe/internal/infra/pypi"
	"github.com/vipyrsec/dragonfly-mainframe/pkg/common/logger"
	"github.com/vipyrsec/dragonfly-mainframe/pkg/web"
)

// Config contains the dependencies needed by the scan handlers.
type Config struct {
	Build string
	Log   *logger.Logger

	Auth *auth.Validator

	ScanService   *appscanning.Service
	RulesService  *apprules.Service
	ReportService *appreporting.Service
}

// Routes binds all the scan lifecycle endpoints.
func Routes(app *web.App, cfg Config) {
	bearer := webBearer(cfg)

	app.HandlerFunc(http.MethodPost, "", "/job", requestJob(cfg), bearer)
	app.HandlerFunc(http.MethodPost, "", "/package", queuePackage(cfg), bearer)
	app.HandlerFunc(http.MethodPut, "", "/package", submitResults(cfg), bearer)
	app.HandlerFunc(http.MethodPost, "", "/package/fail", failPackage(cfg), bearer)
	app.HandlerFunc(http.MethodGet, "", "/package", lookupPackages(cfg), bearer)
	app.HandlerFunc(http.MethodPost, "", "/report/{name}", reportPackage(cfg), bearer)
	app.HandlerFunc(http.MethodPost, "", "/rules/update", updateRules(cfg), bearer)
	app.HandlerFunc(http.MethodGet, "", "/rules", getRules(cfg), bearer)
	app.HandlerFunc(http.MethodGet, "", "/scans", recentScans(cfg), bearer)
	app.HandlerFunc(http.MethodGet, "", "/stats", getStats(cfg), bearer)
	app.HandlerFunc(http.MethodGet, "", "/{$}", serverMetadata(cfg))
}

func webBearer(cfg Config) web.MidFunc {
	// Tests run handlers without an identity provider.
	if cfg.Auth == nil {
		return nil
	}

	return mid.Bearer(cfg.Auth)
}

// jobResponse is what a worker receives from dispatch.
type jobResponse struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Distributions []string `json:"distributions"`
	Hash          string   `json:"hash"`
	Rules         []string `json:"rules"`
}

// Encode implements the web.Encoder interface.
func (jr jobResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(jr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// requestJob handles a worker polling for work. An empty queue yields 204.
func requestJob(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		job, err := cfg.ScanService.RequestJob(ctx, auth.Subject(ctx))
		if err != nil {
			return toAppError(err)
		}
		if job == nil {
			return web.NewNoResponse()
		}

		return jobResponse{
			Name:          job.Name,
			Version:       job.Version,
			Distributions: job.Distributions,
			Hash:          job.CommitHash,
			Rules:         job.Rules,
		}
	}
}

// queueRequest is the intake payload. Distributions are optional; absent,
// they are resolved from the package index.
type queueRequest struct {
	Name          string   `json:"name" validate:"required"`
	Version       string   `json:"version" validate:"required"`
	Distributions []string `json:"distributions,omitempty" validate:"omitempty,dive,url"`
}

// queueResponse returns the created scan id.
type queueResponse struct {
	ID string `json:"id"`
}

// Encode implements the web.Encoder interface.
func (qr queueResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(qr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// queuePackage handles intake of a (name, version) pair.
func queuePackage(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req queueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		if err := errs.Check(req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		id, err := cfg.ScanService.Enqueue(ctx, auth.Subject(ctx), req.Name, req.Version, req.Distributions)
		if err != nil {
			return toAppError(err)
		}

		return queueResponse{ID: id.String()}
	}
}

// submitRequest is the worker's scan result payload.
type submitRequest struct {
	Name         string          `json:"name" validate:"required"`
	Version      string          `json:"version" validate:"required"`
	Score        *int            `json:"score" validate:"required,min=0"`
	InspectorURL string          `json:"inspector_url" validate:"required"`
	Rules        []string        `json:"rules"`
	Commit       string          `json:"commit,omitempty"`
	Files        json.RawMessage `json:"files,omitempty"`
}

// submitResults handles a worker reporting a successful scan.
func submitResults(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		if err := errs.Check(req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		results := scanDomain.SubmitResults{
			Actor:        auth.Subject(ctx),
			Score:        *req.Score,
			InspectorURL: req.InspectorURL,
			RuleNames:    req.Rules,
			Files:        req.Files,
		}

		if err := cfg.ScanService.Submit(ctx, req.Name, req.Version, results); err != nil {
			return toAppError(err)
		}

		return emptyResponse{}
	}
}

// failRequest is the worker's failure report.
type failRequest struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version" validate:"required"`
	Reason  string `json:"reason" validate:"required"`
}

// failPackage handles a worker reporting it could not scan a package.
func failPackage(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req failRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		if err := errs.Check(req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		if err := cfg.ScanService.Fail(ctx, req.Name, req.Version, auth.Subject(ctx), req.Reason); err != nil {
			return toAppError(err)
		}

		return emptyResponse{}
	}
}

// listResponse is a page of scans plus the cursor to the next page.
type listResponse struct {
	Scans      []packageResponse `json:"scans"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// Encode implements the web.Encoder interface.
func (lr listResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(lr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// lookupPackages handles filtered reads over scans.
func lookupPackages(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		filter, err := parseListFilter(r)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		scans, nextCursor, err := cfg.ScanService.List(ctx, filter)
		if err != nil {
			return toAppError(err)
		}

		resp := listResponse{Scans: make([]packageResponse, 0, len(scans)), NextCursor: nextCursor}
		for _, scan := range scans {
			resp.Scans = append(resp.Scans, toPackageResponse(scan))
		}
		return resp
	}
}

func parseListFilter(r *http.Request) (scanDomain.ListFilter, error) {
	var filter scanDomain.ListFilter

	if name := web.QueryParam(r, "name"); name != "" {
		filter.Name = &name
	}
	if version := web.QueryParam(r, "version"); version != "" {
		filter.Version = &version
	}
	if status := web.QueryParam(r, "status"); status != "" {
		parsed := scanDomain.ParseScanStatus(status)
		if parsed == "" {
			return filter, errors.New("unknown status " + strconv.Quote(status))
		}
		filter.Status = &parsed
	}
	if since := web.QueryParam(r, "since"); since != "" {
		ts, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			return filter, errors.New("since must be a unix timestamp")
		}
		t := time.Unix(ts, 0).UTC()
		filter.Since = &t
	}
	if until := web.QueryParam(r, "until"); until != "" {
		ts, err := strconv.ParseInt(until, 10, 64)
		if err != nil {
			return filter, errors.New("until must be a unix timestamp")
		}
		t := time.Unix(ts, 0).UTC()
		filter.Until = &t
	}
	if limit := web.QueryParam(r, "limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = n
	}
	filter.Cursor = web.QueryParam(r, "cursor")

	// `version` and `since` cannot combine: a single release either exists or
	// it doesn't; there is no time window to slice.
	if filter.Version != nil && filter.Since != nil {
		return filter, errors.New("version and since are mutually exclusive")
	}
	if filter.Name == nil && filter.Version != nil {
		return filter, errors.New("version requires name")
	}

	return filter, nil
}

// reportRequest is the operator-supplied report metadata.
type reportRequest struct {
	Version               string  `json:"version" validate:"required"`
	Recipient             *string `json:"recipient,omitempty"`
	InspectorURL          *string `json:"inspector_url,omitempty"`
	AdditionalInformation *string `json:"additional_information,omitempty"`
	UseEmail              bool    `json:"use_email,omitempty"`
}

// reportPackage forwards a finished scan to the external reporter service.
func reportPackage(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		name := web.Param(r, "name")

		var req reportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		if err := errs.Check(req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		err := cfg.ReportService.Report(ctx, auth.Subject(ctx), name, appreporting.Request{
			Version:               req.Version,
			Recipient:             req.Recipient,
			InspectorURL:          req.InspectorURL,
			AdditionalInformation: req.AdditionalInformation,
			UseEmail:              req.UseEmail,
		})
		if err != nil {
			return toAppError(err)
		}

		return emptyResponse{}
	}
}

// rulesResponse is the ruleset snapshot served to workers and operators.
type rulesResponse struct {
	Hash  string            `json:"hash"`
	Rules map[string]string `json:"rules"`
}

// Encode implements the web.Encoder interface.
func (rr rulesResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(rr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// updateRulesResponse confirms a refresh with the new snapshot's identity.
type updateRulesResponse struct {
	Commit string   `json:"commit"`
	Rules  []string `json:"rules"`
}

// Encode implements the web.Encoder interface.
func (ur updateRulesResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(ur)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// updateRules refreshes the ruleset snapshot from the rules repository.
func updateRules(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		ruleset, err := cfg.RulesService.Refresh(ctx)
		if err != nil {
			return toAppError(err)
		}

		return updateRulesResponse{Commit: ruleset.CommitHash, Rules: ruleset.Names()}
	}
}

// getRules serves the current snapshot.
func getRules(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		snapshot := cfg.RulesService.Current()
		return rulesResponse{Hash: snapshot.CommitHash, Rules: snapshot.Rules}
	}
}

// packageSpecifier identifies one (name, version) pair.
type packageSpecifier struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// maliciousPackage is a finished scan whose score crossed the threshold.
type maliciousPackage struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Score        int      `json:"score"`
	InspectorURL string   `json:"inspector_url"`
	Rules        []string `json:"rules"`
}

// recentScansResponse lists scans finished since a timestamp with the
// malicious subset broken out.
type recentScansResponse struct {
	AllScans          []packageSpecifier `json:"all_scans"`
	MaliciousPackages []maliciousPackage `json:"malicious_packages"`
}

// Encode implements the web.Encoder interface.
func (rs recentScansResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(rs)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// recentScans handles the finished-since listing.
func recentScans(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		sinceParam := web.QueryParam(r, "since")
		if sinceParam == "" {
			return errs.Newf(errs.InvalidArgument, "since is required")
		}
		ts, err := strconv.ParseInt(sinceParam, 10, 64)
		if err != nil {
			return errs.Newf(errs.InvalidArgument, "since must be a unix timestamp")
		}

		recent, err := cfg.ScanService.RecentScans(ctx, time.Unix(ts, 0).UTC())
		if err != nil {
			return toAppError(err)
		}

		resp := recentScansResponse{
			AllScans:          make([]packageSpecifier, 0, len(recent.All)),
			MaliciousPackages: make([]maliciousPackage, 0, len(recent.Malicious)),
		}
		for _, scan := range recent.All {
			resp.AllScans = append(resp.AllScans, packageSpecifier{Name: scan.Name(), Version: scan.Version()})
		}
		for _, scan := range recent.Malicious {
			rules := scan.RuleNames()
			if rules == nil {
				rules = []string{}
			}
			resp.MaliciousPackages = append(resp.MaliciousPackages, maliciousPackage{
				Name:         scan.Name(),
				Version:      scan.Version(),
				Score:        *scan.Score(),
				InspectorURL: *scan.InspectorURL(),
				Rules:        rules,
			})
		}
		return resp
	}
}

// statsResponse summarizes recent system activity.
type statsResponse struct {
	Ingested        int     `json:"ingested"`
	AverageScanTime float64 `json:"average_scan_time"`
	Failed          int     `json:"failed"`
}

// Encode implements the web.Encoder interface.
func (sr statsResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(sr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// getStats handles the trailing-24h statistics read.
func getStats(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		stats, err := cfg.ScanService.Stats(ctx)
		if err != nil {
			return toAppError(err)
		}

		return statsResponse{
			Ingested:        stats.Ingested,
			AverageScanTime: stats.AvgScanDuration.Seconds(),
			Failed:          stats.Failed,
		}
	}
}

// metadataResponse identifies the running build and ruleset.
type metadataResponse struct {
	ServerCommit string `json:"server_commit"`
	RulesCommit  string `json:"rules_commit"`
}

// Encode implements the web.Encoder interface.
func (mr metadataResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(mr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// serverMetadata serves build/ruleset identity. Unauthenticated.
func serverMetadata(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		return metadataResponse{
			ServerCommit: cfg.Build,
			RulesCommit:  cfg.RulesService.Current().CommitHash,
		}
	}
}

// emptyResponse is a 200 with an empty JSON object body.
type emptyResponse struct{}

// Encode implements the web.Encoder interface.
func (emptyResponse) Encode() ([]byte, string, error) {
	return []byte("{}"), "application/json", nil
}

// toAppError maps domain errors onto API error codes so drivers never see
// database or transport internals.
func toAppError(err error) *errs.Error {
	switch {
	case errors.Is(err, scanDomain.ErrDuplicateScan):
		return errs.New(errs.AlreadyExists, err)
	case errors.Is(err, scanDomain.ErrAlreadyReported):
		return errs.New(errs.AlreadyExists, err)
	case errors.Is(err, scanDomain.ErrScanNotFound),
		errors.Is(err, pypi.ErrPackageNotFound),
		errors.Is(err, appreporting.ErrPackageNotOnIndex):
		return errs.New(errs.NotFound, err)
	case errors.Is(err, scanDomain.ErrWrongState),
		errors.Is(err, scanDomain.ErrNotOwned),
		errors.Is(err, scanDomain.ErrUnknownRule),
		errors.Is(err, appreporting.ErrMissingInspectorURL),
		errors.Is(err, appreporting.ErrMissingAdditionalInformation):
		return errs.New(errs.InvalidArgument, err)
	case errors.Is(err, rulesDomain.ErrRulesetStale),
		errors.Is(err, context.DeadlineExceeded):
		// Database calls that ran past a context deadline are the caller's
		// cue to back off and retry. Pool acquisition has no timeout of its
		// own, so waiting on an exhausted pool ends only with the context.
		return errs.New(errs.Unavailable, err)
	case errors.Is(err, appreporting.ErrReporterFailure):
		return errs.New(errs.Internal, err)
	default:
		return errs.New(errs.Internal, err)
	}
}
