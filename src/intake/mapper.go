package intake

import (
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	forms "google.golang.org/api/forms/v1"

	"github.com/stake-plus/gatekeeper/src/GKApi/types"
)

// summaryLimit keeps the answer digest inside the embed description limit.
const summaryLimit = 4000

// questionMap maps question IDs to their titles. Rebuilt every poll so form
// edits are picked up without a restart.
func questionMap(form *forms.Form) map[string]string {
	m := make(map[string]string)
	if form == nil {
		return m
	}
	for _, item := range form.Items {
		if item.QuestionItem != nil && item.QuestionItem.Question != nil {
			m[item.QuestionItem.Question.QuestionId] = item.Title
		}
	}
	return m
}

// questionOrder preserves the form's question sequence for the digest.
func questionOrder(form *forms.Form) []string {
	var order []string
	if form == nil {
		return order
	}
	for _, item := range form.Items {
		if item.QuestionItem != nil && item.QuestionItem.Question != nil {
			order = append(order, item.QuestionItem.Question.QuestionId)
		}
	}
	return order
}

func answerText(a forms.Answer) string {
	if a.TextAnswers == nil {
		return ""
	}
	var parts []string
	for _, t := range a.TextAnswers.Answers {
		if t != nil && t.Value != "" {
			parts = append(parts, t.Value)
		}
	}
	return strings.Join(parts, ", ")
}

// isSnowflake reports whether s looks like a Discord user ID.
func isSnowflake(s string) bool {
	if len(s) < 15 || len(s) > 21 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// buildApplication turns one form response into a pending application. All
// form-sourced text passes through the sanitizer before it can reach Discord
// or the API. The answer to the form's Discord question (prefilled by the
// /apply command) links the application to a Discord account.
func buildApplication(form *forms.Form, resp *forms.FormResponse, sanitizer *bluemonday.Policy) *types.Application {
	titles := questionMap(form)
	order := questionOrder(form)

	app := &types.Application{SubmissionID: resp.ResponseId}

	var lines []string
	for _, qid := range order {
		a, ok := resp.Answers[qid]
		if !ok {
			continue
		}
		text := strings.TrimSpace(sanitizer.Sanitize(answerText(a)))
		if text == "" {
			continue
		}

		title := sanitizer.Sanitize(titles[qid])
		lower := strings.ToLower(title)

		if app.DiscordID == "" && strings.Contains(lower, "discord") && isSnowflake(text) {
			app.DiscordID = text
			continue
		}
		if app.Applicant == "" && strings.Contains(lower, "name") {
			app.Applicant = text
		}
		lines = append(lines, fmt.Sprintf("**%s**\n%s", title, text))
	}

	if app.Applicant == "" && resp.RespondentEmail != "" {
		app.Applicant = sanitizer.Sanitize(resp.RespondentEmail)
	}
	if app.Applicant == "" {
		app.Applicant = "Applicant"
	}

	app.Summary = truncate(strings.Join(lines, "\n\n"), summaryLimit)
	return app
}

// truncate caps the digest in runes so the cut never splits a character.
func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
