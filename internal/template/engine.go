// Package template renders campaign variant bodies for one recipient.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/foxzi/zapflow/internal/models"
)

// Placeholder names
const (
	Name          = "nome"
	FirstName     = "primeiro_nome"
	ReferredBy    = "quem_indicou"
	ReferrerFirst = "primeiro_nome_indicador"
	Greeting      = "saudacao"
	Weekday       = "dia_semana"
)

var vocabulary = map[string]bool{
	Name: true, FirstName: true, ReferredBy: true, ReferrerFirst: true, Greeting: true, Weekday: true,
}

// {{nome}}, {{ nome }} and {nome}
var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_]+)\s*\}\}|\{([a-zA-Z_]+)\}`)

var weekdays = [...]string{
	time.Sunday:    "domingo",
	time.Monday:    "segunda-feira",
	time.Tuesday:   "terça-feira",
	time.Wednesday: "quarta-feira",
	time.Thursday:  "quinta-feira",
	time.Friday:    "sexta-feira",
	time.Saturday:  "sábado",
}

// Data is everything a body may reference. Now must already be in the
// tenant timezone.
type Data struct {
	Contact *models.Contact
	Now     time.Time
}

// Render substitutes placeholders. Missing values render empty; names
// outside the vocabulary are left untouched.
func Render(body string, data Data) string {
	values := data.values()
	return placeholderRe.ReplaceAllStringFunc(body, func(match string) string {
		name := placeholderName(match)
		if !vocabulary[name] {
			return match
		}
		return values[name]
	})
}

// Validate rejects bodies that are blank or reference unknown placeholders
func Validate(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("body is empty")
	}
	var unknown []string
	for _, m := range placeholderRe.FindAllString(body, -1) {
		if name := placeholderName(m); !vocabulary[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown placeholders: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// GreetingFor returns the Portuguese greeting for a local hour
func GreetingFor(t time.Time) string {
	switch h := t.Hour(); {
	case h < 12:
		return "Bom dia"
	case h < 18:
		return "Boa tarde"
	default:
		return "Boa noite"
	}
}

// WeekdayName returns the Portuguese name of the local weekday
func WeekdayName(t time.Time) string {
	return weekdays[t.Weekday()]
}

func (d Data) values() map[string]string {
	v := map[string]string{
		Greeting: GreetingFor(d.Now),
		Weekday:  WeekdayName(d.Now),
	}
	if d.Contact != nil {
		v[Name] = strings.TrimSpace(d.Contact.Name)
		v[FirstName] = firstName(d.Contact.Name)
		v[ReferredBy] = strings.TrimSpace(d.Contact.ReferredBy)
		v[ReferrerFirst] = firstName(d.Contact.ReferredBy)
	}
	return v
}

func placeholderName(match string) string {
	name := strings.Trim(match, "{} \t")
	return strings.ToLower(name)
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
