package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// FromRecord builds a CreatorProfile from a loosely-typed backend record.
// The mapper is deliberately lenient: missing fields, NaN markers, and
// string-encoded numbers all degrade to zero values rather than errors.
func FromRecord(record map[string]any) CreatorProfile {
	p := CreatorProfile{
		ID:          asString(record, "id"),
		Account:     firstString(record, "account", "username", "display_name"),
		Username:    firstString(record, "username", "account"),
		DisplayName: asString(record, "display_name"),
		ProfileName: firstString(record, "profile_name", "display_name", "account"),
		Platform:    strings.ToLower(asString(record, "platform")),
		PlatformID:  asString(record, "platform_id"),
		LanceDBID:   asString(record, "lance_db_id"),
		ProfileURL:  firstString(record, "profile_url", "url"),

		Followers:     asInt(record, "followers"),
		Following:     asInt(record, "following"),
		Posts:         asInt(record, "posts"),
		AvgEngagement: asFloat(record, "avg_engagement"),

		Biography:        asString(record, "biography"),
		PostsRaw:         asRawText(record, "posts_raw"),
		ProfileImageLink: firstString(record, "profile_image_link", "profile_image_url"),
		ProfileImageURL:  asString(record, "profile_image_url"),

		BusinessCategoryName: asString(record, "business_category_name"),
		BusinessAddress:      asString(record, "business_address"),
		BusinessEmail:        asString(record, "business_email"),
		EmailAddress:         asString(record, "email_address"),

		IsVerified:               asBoolPtr(record, "is_verified"),
		IndividualVsOrgScore:     asFloatPtr(record, "individual_vs_org_score"),
		GenerationalScore:        asFloatPtr(record, "generational_score"),
		ProfessionalizationScore: asFloatPtr(record, "professionalization_score"),
		RelationshipScore:        asFloatPtr(record, "relationship_score"),

		BM25FTSScore:          asFloat(record, "bm25_fts_score"),
		CosSimProfile:         asFloat(record, "cos_sim_profile"),
		CosSimPosts:           asFloat(record, "cos_sim_posts"),
		KeywordSimilarity:     asFloat(record, "keyword_similarity"),
		ProfileSimilarity:     asFloat(record, "profile_similarity"),
		ContentSimilarity:     asFloat(record, "content_similarity"),
		VectorSimilarityScore: asFloat(record, "vector_similarity_score"),
		SimilarityExplanation: asString(record, "similarity_explanation"),
		ScoreMode:             asString(record, "score_mode"),
		ProfileFTSSource:      asString(record, "profile_fts_source"),
		PostsFTSSource:        asString(record, "posts_fts_source"),
	}

	p.CombinedScore = asFloat(record, "combined_score")
	if p.CombinedScore == 0 {
		p.CombinedScore = p.VectorSimilarityScore
	}

	if p.ScoreMode == "" {
		p.ScoreMode = "hybrid"
	}

	// Personal-creator flag: explicit value wins, otherwise infer from the
	// individual-vs-org score, otherwise default to true.
	if b := asBoolPtr(record, "is_personal_creator"); b != nil {
		p.IsPersonalCreator = *b
	} else if p.IndividualVsOrgScore != nil {
		p.IsPersonalCreator = *p.IndividualVsOrgScore < 5
	} else {
		p.IsPersonalCreator = true
	}

	return p
}

// cleanValue normalizes sentinel garbage to nil: NaN floats, the literal
// strings "nan"/"NaN", and empty strings.
func cleanValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case string:
		s := strings.TrimSpace(t)
		if s == "" || strings.EqualFold(s, "nan") {
			return nil
		}
		return s
	default:
		return v
	}
}

func asString(record map[string]any, field string) string {
	v := cleanValue(record[field])
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// asRawText preserves structured values (post arrays arrive either as a
// JSON string or as parsed JSON) by re-encoding non-strings.
func asRawText(record map[string]any, field string) string {
	v := cleanValue(record[field])
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func firstString(record map[string]any, fields ...string) string {
	for _, field := range fields {
		if s := asString(record, field); s != "" {
			return s
		}
	}
	return ""
}

func asFloat(record map[string]any, field string) float64 {
	f, ok := parseFloat(cleanValue(record[field]))
	if !ok {
		return 0
	}
	return f
}

func asFloatPtr(record map[string]any, field string) *float64 {
	f, ok := parseFloat(cleanValue(record[field]))
	if !ok {
		return nil
	}
	return &f
}

func asInt(record map[string]any, field string) int64 {
	f, ok := parseFloat(cleanValue(record[field]))
	if !ok {
		return 0
	}
	return int64(f)
}

func parseFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asBoolPtr(record map[string]any, field string) *bool {
	v := cleanValue(record[field])
	if v == nil {
		return nil
	}
	var out bool
	switch t := v.(type) {
	case bool:
		out = t
	case float64:
		if t == 1 {
			out = true
		} else if t == 0 {
			out = false
		} else {
			return nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "on":
			out = true
		case "false", "0", "no", "n", "off":
			out = false
		default:
			return nil
		}
	default:
		return nil
	}
	return &out
}
