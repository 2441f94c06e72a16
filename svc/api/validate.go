package api

import (
	"codeshare/cfg"
	"codeshare/pkg/domain"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const defaultLanguage = "javascript"

// Validator normalizes and checks user supplied paste fields.
type Validator struct {
	maxTitle   int
	maxContent int
	languages  map[string]struct{}
}

func NewValidator(c *cfg.Cfg) *Validator {
	v := &Validator{
		maxTitle:   c.MaxTitleLength,
		maxContent: c.MaxContentSize,
		languages:  make(map[string]struct{}, len(c.AllowedLanguages)),
	}
	langs := c.AllowedLanguages
	if len(langs) == 0 {
		langs = cfg.DefaultLanguages
	}
	for _, l := range langs {
		v.languages[strings.ToLower(l)] = struct{}{}
	}
	return v
}

// Title strips markup brackets and control characters, NFC-normalizes and
// trims, then checks the length in characters.
func (v *Validator) Title(s string) (string, error) {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == '<' || r == '>' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	if n == 0 || n > v.maxTitle {
		return "", domain.ErrTitleInvalid
	}
	return s, nil
}
func (v *Validator) Content(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", domain.ErrContentRequired
	}
	if len(s) > v.maxContent {
		return "", domain.ErrPasteTooLarge
	}
	if !utf8.ValidString(s) {
		return "", domain.ErrInvalidRequest
	}
	return s, nil
}
func (v *Validator) Language(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, ok := v.languages[s]; !ok {
		return "", domain.ErrLanguageUnsupported
	}
	return s, nil
}
func (v *Validator) Create(req CreateReq) (domain.CreateParams, error) {
	var (
		p   domain.CreateParams
		err error
	)
	if p.Title, err = v.Title(req.Title); err != nil {
		return p, err
	}
	if p.Content, err = v.Content(req.Content); err != nil {
		return p, err
	}
	lang := req.Language
	if strings.TrimSpace(lang) == "" {
		lang = defaultLanguage
	}
	if p.Language, err = v.Language(lang); err != nil {
		return p, err
	}
	p.IsPublic = true
	if req.IsPublic != nil {
		p.IsPublic = *req.IsPublic
	}
	return p, nil
}

// Patch validates only the fields present in req.
func (v *Validator) Patch(req UpdateReq) (domain.Patch, error) {
	var patch domain.Patch
	if req.Title != nil {
		t, err := v.Title(*req.Title)
		if err != nil {
			return patch, err
		}
		patch.Title = &t
	}
	if req.Content != nil {
		c, err := v.Content(*req.Content)
		if err != nil {
			return patch, err
		}
		patch.Content = &c
	}
	if req.Language != nil {
		l, err := v.Language(*req.Language)
		if err != nil {
			return patch, err
		}
		patch.Language = &l
	}
	patch.IsPublic = req.IsPublic
	if patch.Empty() {
		return patch, domain.ErrEmptyPatch
	}
	return patch, nil
}
