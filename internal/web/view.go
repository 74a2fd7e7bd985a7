package web

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/duckmesh/sqlagent/internal/dataset"
	"github.com/duckmesh/sqlagent/internal/history"
)

type Phase string

const (
	PhaseNoCredential Phase = "no_credential"
	PhaseNoData       Phase = "no_data"
	PhaseReady        Phase = "ready"
	PhaseProcessing   Phase = "processing"
	PhaseAnswered     Phase = "answered"
	PhaseFailed       Phase = "failed"
)

func derivePhase(hasCredential bool, status dataset.Status, snap sessionSnapshot) Phase {
	switch {
	case !hasCredential:
		return PhaseNoCredential
	case !status.OK:
		return PhaseNoData
	case snap.Busy:
		return PhaseProcessing
	case snap.Failure != "":
		return PhaseFailed
	case snap.Answer != "":
		return PhaseAnswered
	default:
		return PhaseReady
	}
}

type sampleView struct {
	Index int
	Text  string
}

type previewView struct {
	Columns []string
	Rows    [][]string
}

type pageView struct {
	Phase            Phase
	CanQuery         bool
	Banner           string
	BannerHint       string
	CredentialSet    bool
	CredentialSource string
	Dataset          dataset.Status
	DatasetPath      string
	Model            string
	Models           []modelOption
	Question         string
	Sample           string
	Answer           string
	AnswerSQL        string
	Steps            int
	Failure          string
	Troubleshooting  []string
	Preview          *previewView
	PreviewError     string
	Warnings         []string
	Notices          []string
	Samples          []sampleView
	Recent           []history.Entry
	PoweredBy        []poweredBy
}

func (s *Server) buildView(ctx context.Context, sess *session) pageView {
	_, hasCredential := s.deps.Credentials.APIKey()
	status := s.deps.Dataset()
	snap := sess.snapshot()
	phase := derivePhase(hasCredential, status, snap)

	view := pageView{
		Phase:            phase,
		CanQuery:         phase != PhaseNoCredential && phase != PhaseNoData && phase != PhaseProcessing,
		CredentialSet:    hasCredential,
		CredentialSource: s.deps.Credentials.Source(),
		Dataset:          status,
		DatasetPath:      s.opts.DatasetPath,
		Model:            s.opts.Model,
		Models:           availableModels,
		Question:         snap.Question,
		Sample:           snap.Sample,
		Answer:           snap.Answer,
		AnswerSQL:        snap.AnswerSQL,
		Steps:            snap.Steps,
		Failure:          snap.Failure,
		PreviewError:     snap.PreviewError,
		Warnings:         snap.Warnings,
		Notices:          snap.Notices,
		PoweredBy:        poweredByLinks,
	}

	switch phase {
	case PhaseNoCredential:
		view.Banner = msgNeedCredential
		view.BannerHint = msgCredentialHint
	case PhaseNoData:
		view.Banner = s.datasetUnavailableMessage()
	case PhaseProcessing:
		view.Banner = "Processing your query..."
	case PhaseFailed:
		for _, tip := range troubleshootingTips {
			if strings.Contains(tip, "%s") {
				tip = fmt.Sprintf(tip, s.opts.DatasetPath)
			}
			view.Troubleshooting = append(view.Troubleshooting, tip)
		}
	}

	if snap.Preview != nil {
		view.Preview = toPreviewView(snap.Preview.Columns, snap.Preview.Rows)
	}
	for i, question := range SampleQuestions {
		view.Samples = append(view.Samples, sampleView{Index: i, Text: question})
	}
	if s.opts.RecentLimit > 0 {
		if entries, err := s.deps.History.Recent(ctx, sess.id, s.opts.RecentLimit); err == nil {
			view.Recent = entries
		}
	}
	return view
}

func toPreviewView(columns []string, rows [][]any) *previewView {
	out := &previewView{Columns: columns, Rows: make([][]string, 0, len(rows))}
	for _, row := range rows {
		cells := make([]string, 0, len(row))
		for _, value := range row {
			if value == nil {
				cells = append(cells, "")
				continue
			}
			cells = append(cells, fmt.Sprint(value))
		}
		out.Rows = append(out.Rows, cells)
	}
	return out
}

// renderMarkdown converts model output to HTML. Raw HTML in the source is
// not passed through.
func renderMarkdown(source string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(source), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(source))
	}
	return template.HTML(buf.String())
}
