package intake

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	forms "google.golang.org/api/forms/v1"
)

func testForm() *forms.Form {
	question := func(id, title string) *forms.Item {
		return &forms.Item{
			Title: title,
			QuestionItem: &forms.QuestionItem{
				Question: &forms.Question{QuestionId: id},
			},
		}
	}
	return &forms.Form{
		Items: []*forms.Item{
			question("q-name", "What is your name?"),
			question("q-why", "Why do you want to join?"),
			question("q-discord", "Discord ID"),
			{Title: "Just a section header"},
		},
	}
}

func textAnswer(vals ...string) forms.Answer {
	ta := &forms.TextAnswers{}
	for _, v := range vals {
		ta.Answers = append(ta.Answers, &forms.TextAnswer{Value: v})
	}
	return forms.Answer{TextAnswers: ta}
}

func TestQuestionMap(t *testing.T) {
	m := questionMap(testForm())
	assert.Len(t, m, 3)
	assert.Equal(t, "Why do you want to join?", m["q-why"])
}

func TestBuildApplication(t *testing.T) {
	resp := &forms.FormResponse{
		ResponseId: "resp-1",
		Answers: map[string]forms.Answer{
			"q-name":    textAnswer("Alice"),
			"q-why":     textAnswer("I like the community"),
			"q-discord": textAnswer("123456789012345678"),
		},
	}

	app := buildApplication(testForm(), resp, bluemonday.StrictPolicy())
	assert.Equal(t, "resp-1", app.SubmissionID)
	assert.Equal(t, "Alice", app.Applicant)
	assert.Equal(t, "123456789012345678", app.DiscordID)

	// Questions keep form order; the prefill entry stays out of the digest.
	require.True(t, strings.Index(app.Summary, "your name") < strings.Index(app.Summary, "want to join"))
	assert.Contains(t, app.Summary, "I like the community")
	assert.NotContains(t, app.Summary, "123456789012345678")
}

func TestBuildApplicationSanitizes(t *testing.T) {
	resp := &forms.FormResponse{
		ResponseId: "resp-1",
		Answers: map[string]forms.Answer{
			"q-why": textAnswer("<script>alert(1)</script>hello <b>there</b>"),
		},
	}

	app := buildApplication(testForm(), resp, bluemonday.StrictPolicy())
	assert.Contains(t, app.Summary, "hello there")
	assert.NotContains(t, app.Summary, "<script>")
	assert.NotContains(t, app.Summary, "<b>")
}

func TestBuildApplicationApplicantFallback(t *testing.T) {
	resp := &forms.FormResponse{
		ResponseId:      "resp-1",
		RespondentEmail: "alice@example.com",
		Answers: map[string]forms.Answer{
			"q-why": textAnswer("hello"),
		},
	}
	app := buildApplication(testForm(), resp, bluemonday.StrictPolicy())
	assert.Equal(t, "alice@example.com", app.Applicant)

	resp.RespondentEmail = ""
	app = buildApplication(testForm(), resp, bluemonday.StrictPolicy())
	assert.Equal(t, "Applicant", app.Applicant)
}

func TestBuildApplicationTruncates(t *testing.T) {
	resp := &forms.FormResponse{
		ResponseId: "resp-1",
		Answers: map[string]forms.Answer{
			"q-why": textAnswer(strings.Repeat("é", summaryLimit+500)),
		},
	}
	app := buildApplication(testForm(), resp, bluemonday.StrictPolicy())
	assert.Len(t, []rune(app.Summary), summaryLimit)
	assert.True(t, utf8.ValidString(app.Summary))
}

func TestBuildApplicationMultiValueAnswer(t *testing.T) {
	resp := &forms.FormResponse{
		ResponseId: "resp-1",
		Answers: map[string]forms.Answer{
			"q-why": textAnswer("gaming", "events"),
		},
	}
	app := buildApplication(testForm(), resp, bluemonday.StrictPolicy())
	assert.Contains(t, app.Summary, "gaming, events")
}

func TestBuildApplicationRejectsBadDiscordID(t *testing.T) {
	// A hand-typed username is not a user ID; it stays in the digest so
	// reviewers can see it, and the application gets no Discord link.
	resp := &forms.FormResponse{
		ResponseId: "resp-1",
		Answers: map[string]forms.Answer{
			"q-discord": textAnswer("alice#1234"),
		},
	}
	app := buildApplication(testForm(), resp, bluemonday.StrictPolicy())
	assert.Empty(t, app.DiscordID)
	assert.Contains(t, app.Summary, "alice#1234")
}
