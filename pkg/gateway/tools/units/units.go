// Package units exposes project unit search tools. Each Searcher belongs to
// one live session and remembers that session's last search results.
package units

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools/adapters/listings"
)

const (
	ToolGetProjectUnits = "get_project_units"
	ToolSearchInMemory  = "search_units_in_memory"

	maxListed        = 10
	defaultTolerance = 0.05
)

// Fetcher loads all units for a project.
type Fetcher interface {
	Units(ctx context.Context, projectID string) ([]listings.Unit, error)
}

type Searcher struct {
	fetcher          Fetcher
	defaultProjectID string
	logger           *zap.Logger
	pick             func(n int) int

	mu   sync.Mutex
	last []listings.Unit
}

func NewSearcher(fetcher Fetcher, defaultProjectID string, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{
		fetcher:          fetcher,
		defaultProjectID: strings.TrimSpace(defaultProjectID),
		logger:           logger,
		pick:             rand.IntN,
	}
}

func (s *Searcher) Tools() []tools.Tool {
	return []tools.Tool{
		{
			Name:        ToolGetProjectUnits,
			Description: "Fetch and filter the units of a real-estate project. Use for every new search; results are remembered for follow-up questions.",
			Parameters:  getProjectUnitsSchema(),
			Func:        s.GetProjectUnits,
		},
		{
			Name:        ToolSearchInMemory,
			Description: "Filter the most recent unit search results. Use for follow-up questions after get_project_units.",
			Parameters:  searchInMemorySchema(),
			Func:        s.SearchInMemory,
		},
	}
}

// LastResults returns a copy of the remembered search results.
func (s *Searcher) LastResults() []listings.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]listings.Unit(nil), s.last...)
}

func (s *Searcher) GetProjectUnits(ctx context.Context, args map[string]any) (any, error) {
	projectID, ok := tools.StringArg(args, "project_id")
	if !ok {
		projectID = s.defaultProjectID
	}
	if projectID == "" {
		return errorList("project_id is required."), nil
	}

	all, err := s.fetcher.Units(ctx, projectID)
	if err != nil {
		s.logger.Warn("units fetch failed", zap.String("project_id", projectID), zap.Error(err))
	}
	if len(all) == 0 {
		return errorList("Could not fetch units from API."), nil
	}

	filtered := applyFilters(all, projectFilters(args))

	s.mu.Lock()
	s.last = filtered
	s.mu.Unlock()
	s.logger.Info("units filtered", zap.String("project_id", projectID), zap.Int("total", len(all)), zap.Int("matched", len(filtered)))

	if tools.BoolArg(args, "pick_random") {
		return s.pickOne(filtered), nil
	}
	return summarize(filtered), nil
}

func (s *Searcher) SearchInMemory(_ context.Context, args map[string]any) (any, error) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	if len(last) == 0 {
		return errorList("I don't have any previous search results to filter. Please start a new search."), nil
	}

	if code, ok := tools.StringArg(args, "unit_code"); ok {
		for _, u := range last {
			if strings.EqualFold(field(u, "code"), code) {
				return []listings.Unit{u}, nil
			}
		}
		return errorList(fmt.Sprintf("Sorry, I couldn't find unit '%s' in the results I just showed you.", code)), nil
	}

	filtered := applyFilters(last, memoryFilters(args))
	if tools.BoolArg(args, "pick_random") {
		return s.pickOne(filtered), nil
	}
	return filtered, nil
}

func (s *Searcher) pickOne(units []listings.Unit) []listings.Unit {
	if len(units) == 0 {
		return errorList("No units matched the criteria to pick a random one from.")
	}
	return []listings.Unit{units[s.pick(len(units))]}
}

func errorList(msg string) []listings.Unit {
	return []listings.Unit{{"error": msg}}
}

func summarize(units []listings.Unit) []listings.Unit {
	if len(units) <= maxListed {
		return units
	}
	keys := []string{"code", "unit_type", "unit_area", "sellable_area", "price", "availability", "building", "floor", "type"}
	out := make([]listings.Unit, 0, maxListed+1)
	for _, u := range units[:maxListed] {
		row := make(listings.Unit, len(keys))
		for _, k := range keys {
			row[k] = u[k]
		}
		out = append(out, row)
	}
	out = append(out, listings.Unit{"summary_message": fmt.Sprintf("Found %d units. Showing first %d.", len(units), maxListed)})
	return out
}

type predicate func(listings.Unit) bool

func applyFilters(units []listings.Unit, preds []predicate) []listings.Unit {
	out := make([]listings.Unit, 0, len(units))
next:
	for _, u := range units {
		for _, p := range preds {
			if !p(u) {
				continue next
			}
		}
		out = append(out, u)
	}
	return out
}

func projectFilters(args map[string]any) []predicate {
	var preds []predicate
	if v, ok := tools.StringArg(args, "unit_code"); ok {
		preds = append(preds, equalFold("code", v))
	}
	if v, ok := tools.StringArg(args, "unit_type"); ok {
		preds = append(preds, containsFold("unit_type", v))
	}
	if v, ok := tools.StringArg(args, "building"); ok {
		preds = append(preds, containsFold("building", v))
	}
	if v, ok := tools.StringArg(args, "floor"); ok {
		preds = append(preds, equalFold("floor", v))
	}
	if v, ok := tools.StringArg(args, "availability"); ok {
		preds = append(preds, equalFold("availability", v))
	}
	preds = appendRange(preds, args, "min_area", "max_area", "unit_area")
	if v, ok := tools.FloatArg(args, "price"); ok {
		preds = append(preds, approx("price", v, tolerance(args, "price_tolerance")))
	}
	preds = appendRange(preds, args, "min_price", "max_price", "price")
	if v, ok := tools.FloatArg(args, "sellable_area"); ok {
		preds = append(preds, approx("sellable_area", v, tolerance(args, "area_tolerance")))
	}
	preds = appendRange(preds, args, "min_sellable_area", "max_sellable_area", "sellable_area")
	if v, ok := tools.StringArg(args, "unit_type_filter"); ok {
		preds = append(preds, equalFold("type", v))
	}
	return preds
}

func memoryFilters(args map[string]any) []predicate {
	var preds []predicate
	if v, ok := tools.StringArg(args, "floor"); ok {
		preds = append(preds, equalFold("floor", v))
	}
	if v, ok := tools.StringArg(args, "building"); ok {
		preds = append(preds, equalFold("building", v))
	}
	if v, ok := tools.StringArg(args, "availability"); ok {
		preds = append(preds, equalFold("availability", v))
	}
	if v, ok := tools.StringArg(args, "unit_type"); ok {
		preds = append(preds, containsFold("unit_type", v))
	}
	return appendRange(preds, args, "min_area", "max_area", "unit_area")
}

func appendRange(preds []predicate, args map[string]any, minKey, maxKey, fieldName string) []predicate {
	if v, ok := tools.FloatArg(args, minKey); ok {
		preds = append(preds, func(u listings.Unit) bool { return number(u, fieldName) >= v })
	}
	if v, ok := tools.FloatArg(args, maxKey); ok {
		preds = append(preds, func(u listings.Unit) bool { return number(u, fieldName) <= v })
	}
	return preds
}

func tolerance(args map[string]any, key string) float64 {
	if v, ok := tools.FloatArg(args, key); ok && v >= 0 {
		return v
	}
	return defaultTolerance
}

func equalFold(fieldName, want string) predicate {
	return func(u listings.Unit) bool { return strings.EqualFold(field(u, fieldName), want) }
}

func containsFold(fieldName, want string) predicate {
	want = strings.ToLower(want)
	return func(u listings.Unit) bool { return strings.Contains(strings.ToLower(field(u, fieldName)), want) }
}

func approx(fieldName string, target, tol float64) predicate {
	lo, hi := target*(1-tol), target*(1+tol)
	return func(u listings.Unit) bool {
		n := number(u, fieldName)
		return n >= lo && n <= hi
	}
}

func field(u listings.Unit, key string) string {
	switch v := u[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// number reads a numeric field, treating missing or unparsable values as 0.
func number(u listings.Unit, key string) float64 {
	switch v := u[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func getProjectUnitsSchema() *realtime.Schema {
	props := map[string]*realtime.Schema{
		"project_id":        {Type: "string", Description: "Project identifier."},
		"unit_code":         {Type: "string", Description: "Exact unit code, case-insensitive."},
		"unit_type":         {Type: "string", Description: "Unit type, partial match (e.g. 2 BEDROOM)."},
		"building":          {Type: "string", Description: "Building, partial match."},
		"floor":             {Type: "string", Description: "Floor, exact match."},
		"availability":      {Type: "string", Description: "Availability status (e.g. available)."},
		"min_area":          {Type: "number"},
		"max_area":          {Type: "number"},
		"price":             {Type: "number", Description: "Target price, matched within price_tolerance."},
		"min_price":         {Type: "number"},
		"max_price":         {Type: "number"},
		"sellable_area":     {Type: "number", Description: "Target sellable area, matched within area_tolerance."},
		"min_sellable_area": {Type: "number"},
		"max_sellable_area": {Type: "number"},
		"unit_type_filter":  {Type: "string", Description: "Exact match on the type field (e.g. C)."},
		"price_tolerance":   {Type: "number", Description: "Relative tolerance, default 0.05."},
		"area_tolerance":    {Type: "number", Description: "Relative tolerance, default 0.05."},
		"pick_random":       {Type: "boolean", Description: "Return one random matching unit."},
	}
	return &realtime.Schema{Type: "object", Properties: props}
}

func searchInMemorySchema() *realtime.Schema {
	return &realtime.Schema{Type: "object", Properties: map[string]*realtime.Schema{
		"unit_code":    {Type: "string"},
		"floor":        {Type: "string"},
		"building":     {Type: "string"},
		"availability": {Type: "string"},
		"unit_type":    {Type: "string"},
		"min_area":     {Type: "number"},
		"max_area":     {Type: "number"},
		"pick_random":  {Type: "boolean"},
	}}
}
