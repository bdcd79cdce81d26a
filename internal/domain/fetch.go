package domain

// CallSite identifies which user action triggered a fetch; each site has its own time budget.
type CallSite string

const (
	CallSiteTypeahead CallSite = "typeahead"
	CallSiteSubmit    CallSite = "submit"
	CallSiteOwners    CallSite = "owners"
	CallSiteDetails   CallSite = "details"
)

// FetchOutcome is what a source fetch settles to. Records is never empty;
// Failure describes the swallowed upstream error when Source is fallback.
type FetchOutcome struct {
	Records []PropertyRecord
	Source  RecordSource
	Failure string
}

func (o FetchOutcome) OK() bool {
	return o.Failure == ""
}
