// Package webhook runs webhook jobs in response to HTTP calls. The incoming
// request is handed to the user's code as request_data; whatever the code
// leaves in response_data becomes the HTTP response.
package webhook

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/supakiln/engine/internal/executor"
	"github.com/supakiln/engine/internal/store"
)

const maxRequestBody = 10 << 20

// Dispatcher resolves webhook endpoints to jobs and runs them.
type Dispatcher struct {
	jobs   *store.WebhookJobRepo
	logs   *store.ExecutionLogRepo
	engine *executor.Engine
	log    zerolog.Logger
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(jobs *store.WebhookJobRepo, logs *store.ExecutionLogRepo, engine *executor.Engine, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:   jobs,
		logs:   logs,
		engine: engine,
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

// Handle serves an incoming webhook call for the given endpoint path.
func (d *Dispatcher) Handle(w http.ResponseWriter, r *http.Request, endpoint string) {
	normalized := store.NormalizeEndpoint(endpoint)
	job, err := d.jobs.GetActiveByEndpoint(normalized)
	if err != nil {
		http.Error(w, "no webhook registered at this endpoint", http.StatusNotFound)
		return
	}

	requestData, err := buildRequestData(r, normalized)
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	requestJSON, err := json.Marshal(requestData)
	if err != nil {
		http.Error(w, "failed to encode request", http.StatusInternalServerError)
		return
	}

	timeout := job.Timeout
	if timeout < 0 {
		timeout = executor.NoTimeout
	}

	startedAt := time.Now().UTC()
	result, execErr := d.engine.Execute(r.Context(), executor.Request{
		Code:      wrapCode(job.Code, requestJSON),
		Packages:  job.Packages,
		Timeout:   timeout,
		SandboxID: job.ContainerID,
	})

	entry := &store.ExecutionLog{
		Parent:      store.WebhookParent(job.ID),
		Code:        job.Code,
		StartedAt:   startedAt,
		RequestData: string(requestJSON),
	}

	if execErr != nil {
		entry.Status = "error"
		entry.Error = execErr.Error()
		d.record(entry, job.ID, startedAt)
		http.Error(w, "webhook execution failed", http.StatusInternalServerError)
		return
	}

	entry.Output = result.Output
	entry.Error = result.Error
	entry.ContainerID = result.SandboxID
	entry.ExecutionTime = result.ExecutionTime
	entry.Metrics = result.Metrics

	response, ok := lastJSONLine(result.Output)
	switch {
	case result.TimedOut:
		entry.Status = "timeout"
	case !result.Success:
		entry.Status = "error"
	default:
		entry.Status = "success"
	}
	if ok {
		entry.ResponseData = string(response)
	}
	d.record(entry, job.ID, startedAt)

	if entry.Status != "success" {
		http.Error(w, "webhook execution failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if ok {
		_, _ = w.Write(response)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"message":   "Webhook executed successfully",
		"timestamp": startedAt.Format(time.RFC3339),
	})
}

func (d *Dispatcher) record(entry *store.ExecutionLog, jobID int64, startedAt time.Time) {
	if err := d.logs.Insert(entry); err != nil {
		d.log.Error().Err(err).Int64("webhook_job_id", jobID).Msg("Failed to record execution log")
	}
	if err := d.jobs.TouchLastTriggered(jobID, startedAt); err != nil {
		d.log.Error().Err(err).Int64("webhook_job_id", jobID).Msg("Failed to record trigger time")
	}
}

// buildRequestData shapes the incoming request the way user code sees it:
// endpoint, method, headers, query parameters, and a body parsed by content
// type.
func buildRequestData(r *http.Request, endpoint string) (map[string]interface{}, error) {
	headers := map[string]string{}
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	query := map[string]string{}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	data := map[string]interface{}{
		"endpoint":     endpoint,
		"method":       r.Method,
		"headers":      headers,
		"query_params": query,
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, err
	}
	data["body"] = parseBody(raw, r.Header.Get("Content-Type"))
	return data, nil
}

func parseBody(raw []byte, contentType string) interface{} {
	if len(raw) == 0 {
		return nil
	}

	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}

	switch mediaType {
	case "application/json":
		var parsed interface{}
		if err := json.Unmarshal(raw, &parsed); err == nil {
			return parsed
		}
	case "application/x-www-form-urlencoded":
		if values, err := url.ParseQuery(string(raw)); err == nil {
			form := map[string]string{}
			for name, vs := range values {
				if len(vs) > 0 {
					form[name] = vs[0]
				}
			}
			return form
		}
	}
	return string(raw)
}

// wrapCode embeds the user's code in the webhook harness. The request travels
// as base64 JSON so the code text cannot break the wrapper, and response_data
// is printed as the last line for the dispatcher to pick up.
func wrapCode(code string, requestJSON []byte) string {
	encoded := base64.StdEncoding.EncodeToString(requestJSON)

	var b strings.Builder
	b.WriteString("import json\n")
	b.WriteString("import base64\n")
	b.WriteString("from datetime import datetime, timezone\n\n")
	b.WriteString(fmt.Sprintf("request_data = json.loads(base64.b64decode(%q).decode())\n", encoded))
	b.WriteString(`response_data = {"message": "Webhook executed successfully", "timestamp": datetime.now(timezone.utc).isoformat()}` + "\n\n")
	b.WriteString("try:\n")
	for _, line := range strings.Split(code, "\n") {
		b.WriteString("    " + line + "\n")
	}
	b.WriteString("except Exception as exc:\n")
	b.WriteString(`    response_data = {"error": str(exc), "timestamp": datetime.now(timezone.utc).isoformat()}` + "\n\n")
	b.WriteString("print(json.dumps(response_data))\n")
	return b.String()
}

// lastJSONLine scans output bottom-up for the response object the wrapper
// printed. User prints above it are ignored.
func lastJSONLine(output string) ([]byte, bool) {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		return []byte(line), true
	}
	return nil, false
}
