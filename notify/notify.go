package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/slack-go/slack"

	"github.com/obsrvrly/crm-sync-pipeline/ledger"
)

// Rule defines which run outcomes are announced and where.
type Rule struct {
	Statuses []string `json:"statuses"` // success, partial, failed
	Channels []string `json:"channels"` // slack, email, webhook
}

// Dispatcher fans out run summaries to slack, email, and webhooks.
// A cooldown per (source, operation, status) keeps repeated failures
// from flooding every channel.
type Dispatcher struct {
	rules          []Rule
	slackClient    *slack.Client
	sendgridClient *sendgrid.Client
	emailFrom      string
	emailTo        []string
	slackChannels  []string
	webhookURLs    []string
	cooldown       time.Duration
	lastSent       map[string]time.Time
	mutex          sync.Mutex
}

func NewDispatcher(config map[string]interface{}) (*Dispatcher, error) {
	slackToken, _ := config["slack_token"].(string)
	sendgridKey, _ := config["sendgrid_key"].(string)
	emailFrom, _ := config["email_from"].(string)
	emailTo := stringSlice(config["email_to"])
	slackChannels := stringSlice(config["slack_channels"])
	webhookURLs := stringSlice(config["webhook_urls"])

	cooldown := 5 * time.Minute
	if secs, ok := config["cooldown_seconds"].(int); ok && secs > 0 {
		cooldown = time.Duration(secs) * time.Second
	}

	var rules []Rule
	if rulesData, ok := config["rules"].([]interface{}); ok {
		for _, r := range rulesData {
			ruleMap, ok := r.(map[string]interface{})
			if !ok {
				continue
			}
			rules = append(rules, Rule{
				Statuses: stringSlice(ruleMap["statuses"]),
				Channels: stringSlice(ruleMap["channels"]),
			})
		}
	}
	if len(rules) == 0 {
		// Announce failures everywhere by default.
		rules = []Rule{{
			Statuses: []string{ledger.StatusFailed, ledger.StatusPartial},
			Channels: []string{"slack", "email", "webhook"},
		}}
	}

	dispatcher := &Dispatcher{
		rules:         rules,
		emailFrom:     emailFrom,
		emailTo:       emailTo,
		slackChannels: slackChannels,
		webhookURLs:   webhookURLs,
		cooldown:      cooldown,
		lastSent:      make(map[string]time.Time),
	}

	if slackToken != "" {
		dispatcher.slackClient = slack.New(slackToken)
	}
	if sendgridKey != "" {
		dispatcher.sendgridClient = sendgrid.NewSendClient(sendgridKey)
	}

	return dispatcher, nil
}

// NotifyRun announces a finished run to every channel whose rule
// matches the run's status. Delivery errors are logged, never returned:
// a flaky webhook must not fail a completed sync.
func (n *Dispatcher) NotifyRun(ctx context.Context, run *ledger.SyncRun) {
	if run == nil {
		return
	}

	for _, rule := range n.rules {
		if !containsString(rule.Statuses, run.Status) {
			continue
		}
		if n.suppressed(run) {
			log.Printf("Suppressing notification for %s/%s (%s): within cooldown",
				run.Source, run.Operation, run.Status)
			return
		}
		message := n.formatMessage(run)
		for _, channel := range rule.Channels {
			switch channel {
			case "slack":
				if err := n.sendSlack(message); err != nil {
					log.Printf("Error sending Slack notification: %v", err)
				}
			case "email":
				if err := n.sendEmail(run, message); err != nil {
					log.Printf("Error sending email notification: %v", err)
				}
			case "webhook":
				if err := n.sendWebhook(ctx, run, message); err != nil {
					log.Printf("Error sending webhook notification: %v", err)
				}
			}
		}
		return
	}
}

func (n *Dispatcher) suppressed(run *ledger.SyncRun) bool {
	key := fmt.Sprintf("%s-%s-%s", run.Source, run.Operation, run.Status)
	now := time.Now()

	n.mutex.Lock()
	defer n.mutex.Unlock()
	if last, exists := n.lastSent[key]; exists && now.Sub(last) < n.cooldown {
		return true
	}
	n.lastSent[key] = now
	return false
}

func (n *Dispatcher) formatMessage(run *ledger.SyncRun) string {
	msg := fmt.Sprintf("Sync %s: %s/%s run %d processed %d records (%d created, %d updated, %d failed)",
		run.Status, run.Source, run.Operation, run.ID,
		run.RecordsProcessed, run.RecordsCreated, run.RecordsUpdated, run.RecordsFailed)
	if run.ErrorMessage.Valid && run.ErrorMessage.String != "" {
		msg += "\nError: " + run.ErrorMessage.String
	}
	return msg
}

func (n *Dispatcher) sendSlack(message string) error {
	if n.slackClient == nil {
		return fmt.Errorf("slack client not initialized")
	}

	for _, channel := range n.slackChannels {
		_, _, err := n.slackClient.PostMessage(
			channel,
			slack.MsgOptionText(message, false),
		)
		if err != nil {
			return fmt.Errorf("error sending slack message: %w", err)
		}
	}
	return nil
}

func (n *Dispatcher) sendEmail(run *ledger.SyncRun, message string) error {
	if n.sendgridClient == nil {
		return fmt.Errorf("sendgrid client not initialized")
	}

	from := mail.NewEmail("CRM Sync", n.emailFrom)
	subject := fmt.Sprintf("Sync %s: %s/%s", run.Status, run.Source, run.Operation)

	for _, to := range n.emailTo {
		toEmail := mail.NewEmail("", to)
		email := mail.NewSingleEmail(from, subject, toEmail, message, message)
		_, err := n.sendgridClient.Send(email)
		if err != nil {
			return fmt.Errorf("error sending email: %w", err)
		}
	}
	return nil
}

func (n *Dispatcher) sendWebhook(ctx context.Context, run *ledger.SyncRun, message string) error {
	payload := map[string]interface{}{
		"message":           message,
		"run_id":            run.ID,
		"source":            run.Source,
		"operation":         run.Operation,
		"status":            run.Status,
		"records_processed": run.RecordsProcessed,
		"records_failed":    run.RecordsFailed,
		"timestamp":         time.Now().UTC(),
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshalling payload: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for _, url := range n.webhookURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonPayload))
		if err != nil {
			return fmt.Errorf("error building webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("error sending webhook request: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("received non-200 response: %d", resp.StatusCode)
		}
	}
	return nil
}

func stringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		var out []string
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
