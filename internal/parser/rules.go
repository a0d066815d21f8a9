package parser

import (
	"fmt"
	"regexp"
	"time"
)

// StopPattern is one entry of the prioritized list used to cut trailing
// contact or paperwork text off an address.
type StopPattern struct {
	Name string `koanf:"name" json:"name" yaml:"name"`
	Expr string `koanf:"expr" json:"expr" yaml:"expr"`
}

// Rules configures a Parser.
//
// Fields:
//   - DefaultYear: Year used when an entry carries only day and month
//   - StopPatterns: Tried in declared order; the first pattern that matches
//     anywhere in the address wins, even if a later one matches earlier
type Rules struct {
	DefaultYear  int           `koanf:"default_year" json:"default_year" yaml:"default_year"`
	StopPatterns []StopPattern `koanf:"stop_patterns" json:"stop_patterns" yaml:"stop_patterns"`
}

// DefaultStopPatterns is the built-in priority list: phones first, then
// legal-entity markers, contract references and waybill phrasing.
var DefaultStopPatterns = []StopPattern{
	{
		Name: "phone",
		Expr: `(?i)(?:(?:тел(?:ефон)?|моб|phone)\.?:?\s*)?(?:\+7|\b8)[\s(-]*\d{3}[\s)-]*\d{3}[\s-]*\d{2}[\s-]*\d{2}`,
	},
	{
		Name: "legal_entity",
		Expr: `(?:^|[\s,;(«"])(?:ООО|ОАО|ЗАО|ПАО|АО|ИП|LLC|Ltd)(?:$|[\s,;.)»"])`,
	},
	{
		Name: "contract",
		Expr: `(?i)(?:договор|дог\.|контракт|contract)`,
	},
	{
		Name: "waybill",
		Expr: `(?i)(?:по\s+(?:ттн|тн|накладной)|per\s+waybill)`,
	},
	{
		Name: "contact_person",
		Expr: `(?i)контактное\s+лицо`,
	},
}

// DefaultRules returns the built-in rules with the current year as default.
func DefaultRules() Rules {
	return Rules{
		DefaultYear:  time.Now().Year(),
		StopPatterns: DefaultStopPatterns,
	}
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

func compilePatterns(patterns []StopPattern) ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("stop pattern %q: %w", p.Name, err)
		}
		out = append(out, compiledPattern{name: p.Name, re: re})
	}
	return out, nil
}
