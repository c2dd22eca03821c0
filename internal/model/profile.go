// Package model defines the creator profile domain types shared across
// pipeline stages and the store.
package model

import "strings"

// CreatorProfile is the canonical creator record flowing through the
// pipeline. Search populates the retrieval scores, enrichment fills the
// audience and contact fields, and fit scoring attaches the fit annotations.
type CreatorProfile struct {
	ID          string `json:"id,omitempty"`
	Account     string `json:"account,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	ProfileName string `json:"profile_name,omitempty"`
	Platform    string `json:"platform,omitempty"`
	PlatformID  string `json:"platform_id,omitempty"`
	LanceDBID   string `json:"lance_db_id,omitempty"`
	ProfileURL  string `json:"profile_url,omitempty"`

	Followers     int64   `json:"followers,omitempty"`
	Following     int64   `json:"following,omitempty"`
	Posts         int64   `json:"posts,omitempty"`
	AvgEngagement float64 `json:"avg_engagement,omitempty"`

	Biography        string `json:"biography,omitempty"`
	PostsRaw         string `json:"posts_raw,omitempty"`
	ProfileImageLink string `json:"profile_image_link,omitempty"`
	ProfileImageURL  string `json:"profile_image_url,omitempty"`

	BusinessCategoryName string `json:"business_category_name,omitempty"`
	BusinessAddress      string `json:"business_address,omitempty"`
	BusinessEmail        string `json:"business_email,omitempty"`
	EmailAddress         string `json:"email_address,omitempty"`

	IsPersonalCreator        bool     `json:"is_personal_creator"`
	IsVerified               *bool    `json:"is_verified,omitempty"`
	IndividualVsOrgScore     *float64 `json:"individual_vs_org_score,omitempty"`
	GenerationalScore        *float64 `json:"generational_score,omitempty"`
	ProfessionalizationScore *float64 `json:"professionalization_score,omitempty"`
	RelationshipScore        *float64 `json:"relationship_score,omitempty"`

	BM25FTSScore          float64 `json:"bm25_fts_score,omitempty"`
	CosSimProfile         float64 `json:"cos_sim_profile,omitempty"`
	CosSimPosts           float64 `json:"cos_sim_posts,omitempty"`
	CombinedScore         float64 `json:"combined_score"`
	KeywordSimilarity     float64 `json:"keyword_similarity,omitempty"`
	ProfileSimilarity     float64 `json:"profile_similarity,omitempty"`
	ContentSimilarity     float64 `json:"content_similarity,omitempty"`
	VectorSimilarityScore float64 `json:"vector_similarity_score,omitempty"`
	SimilarityExplanation string  `json:"similarity_explanation,omitempty"`
	ScoreMode             string  `json:"score_mode,omitempty"`
	ProfileFTSSource      string  `json:"profile_fts_source,omitempty"`
	PostsFTSSource        string  `json:"posts_fts_source,omitempty"`

	FitScore       *int     `json:"fit_score,omitempty"`
	FitRationale   string   `json:"fit_rationale,omitempty"`
	FitError       string   `json:"fit_error,omitempty"`
	FitPrompt      string   `json:"fit_prompt,omitempty"`
	FitRawResponse string   `json:"fit_raw_response,omitempty"`
	RerankScore    *float64 `json:"rerank_score,omitempty"`
}

// DedupKey returns the identity used to collapse duplicate search hits.
// Preference order: lance_db_id, username, account, profile_url. Returns
// empty when the profile carries none of them.
func (p *CreatorProfile) DedupKey() string {
	for _, v := range []string{p.LanceDBID, p.Username, p.Account, p.ProfileURL} {
		if s := strings.TrimSpace(v); s != "" {
			return strings.ToLower(s)
		}
	}
	return ""
}

// FitKey returns the identity used to merge fit annotations back into the
// full result list: account, else profile_url, else lance_db_id, lowercased.
func (p *CreatorProfile) FitKey() string {
	for _, v := range []string{p.Account, p.ProfileURL, p.LanceDBID} {
		if s := strings.TrimSpace(v); s != "" {
			return strings.ToLower(s)
		}
	}
	return ""
}

// ClearFitAnnotations resets the fit fields on profiles that were not part
// of the scored subset.
func (p *CreatorProfile) ClearFitAnnotations() {
	p.FitScore = nil
	p.FitRationale = ""
	p.FitError = ""
	p.FitPrompt = ""
	p.FitRawResponse = ""
}

// ProfileRef is a lightweight pointer to a profile, recorded in stage IO
// summaries instead of the full record.
type ProfileRef struct {
	Key        string `json:"key"`
	Account    string `json:"account,omitempty"`
	ProfileURL string `json:"profile_url,omitempty"`
}

// StageIO summarizes the profiles a stage consumed and produced.
type StageIO struct {
	Inputs  []ProfileRef `json:"inputs"`
	Outputs []ProfileRef `json:"outputs"`
}

// BuildProfileRefs converts profiles to refs, skipping profiles without any
// usable identity.
func BuildProfileRefs(profiles []CreatorProfile) []ProfileRef {
	refs := make([]ProfileRef, 0, len(profiles))
	for i := range profiles {
		key := profiles[i].DedupKey()
		if key == "" {
			continue
		}
		refs = append(refs, ProfileRef{
			Key:        key,
			Account:    profiles[i].Account,
			ProfileURL: profiles[i].ProfileURL,
		})
	}
	return refs
}

// NormalizedRecordKey derives the reconciliation key for a raw provider
// record: profile_url, url, or input_url lowercased, else username or
// account lowercased.
func NormalizedRecordKey(record map[string]any) string {
	for _, field := range []string{"profile_url", "url", "input_url"} {
		if s := stringField(record, field); s != "" {
			return strings.ToLower(s)
		}
	}
	for _, field := range []string{"username", "account"} {
		if s := stringField(record, field); s != "" {
			return strings.ToLower(s)
		}
	}
	return ""
}

func stringField(record map[string]any, field string) string {
	v, ok := record[field]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}
