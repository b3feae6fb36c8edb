package models

// Watch statuses used by the list views
const (
	StatusWatching    = "Watching"
	StatusCompleted   = "Completed"
	StatusOnHold      = "On-Hold"
	StatusDropped     = "Dropped"
	StatusPlanToWatch = "Plan to Watch"
)

// EmptyDate is the placeholder for unset start and finish dates
const EmptyDate = "0000-00-00"

// Anime is one tracked entry in the list. ID is the MyAnimeList ID.
type Anime struct {
	ID              int    `json:"id"`
	Title           string `json:"title"`
	Type            string `json:"type"`
	Episodes        int    `json:"episodes"`
	WatchedEpisodes int    `json:"watchedEpisodes"`
	Status          string `json:"status"`
	Score           int    `json:"score"`
	StartDate       string `json:"startDate"`
	FinishDate      string `json:"finishDate"`
	CoverImage      string `json:"coverImage,omitempty"`
}

// Orders holds named custom orderings of anime IDs
type Orders map[string][]int

// Without returns a copy of the orders with id removed from every list
func (o Orders) Without(id int) Orders {
	out := make(Orders, len(o))
	for name, ids := range o {
		kept := make([]int, 0, len(ids))
		for _, existing := range ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		out[name] = kept
	}
	return out
}

// UnknownType is used when the provider does not report a media type
const UnknownType = "Unknown"

// AnimePatch is a partial update. Nil fields are left unchanged.
type AnimePatch struct {
	ID              *int    `json:"id"`
	Title           *string `json:"title"`
	Type            *string `json:"type"`
	Episodes        *int    `json:"episodes"`
	WatchedEpisodes *int    `json:"watchedEpisodes"`
	Status          *string `json:"status"`
	Score           *int    `json:"score"`
	StartDate       *string `json:"startDate"`
	FinishDate      *string `json:"finishDate"`
	CoverImage      *string `json:"coverImage"`
}

// Apply returns a copy of a with the patch merged in. A record whose
// watched count reaches a known episode total is marked completed.
func (p AnimePatch) Apply(a Anime) Anime {
	if p.Title != nil {
		a.Title = *p.Title
	}
	if p.Type != nil {
		a.Type = *p.Type
	}
	if p.Episodes != nil {
		a.Episodes = *p.Episodes
	}
	if p.WatchedEpisodes != nil {
		a.WatchedEpisodes = *p.WatchedEpisodes
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Score != nil {
		a.Score = *p.Score
	}
	if p.StartDate != nil {
		a.StartDate = *p.StartDate
	}
	if p.FinishDate != nil {
		a.FinishDate = *p.FinishDate
	}
	if p.CoverImage != nil {
		a.CoverImage = *p.CoverImage
	}

	if a.Episodes > 0 && a.WatchedEpisodes == a.Episodes {
		a.Status = StatusCompleted
	}
	return a
}
