package fetch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/leadscout/pkg/models"
)

// FieldMap lists, per canonical attribute, the source field names a provider
// may use for it. Candidates are tried in order; dotted names walk nested objects.
type FieldMap struct {
	Username    []string
	FullName    []string
	Biography   []string
	Category    []string
	ExternalURL []string
	Followers   []string
	Following   []string
	PostsCount  []string
	Verified    []string
	Business    []string

	// Posts names the list of posts on a profile item. When ItemsArePosts is
	// set the dataset items are posts and profile fields are read from the first one.
	Posts         []string
	ItemsArePosts bool
	Post          PostFieldMap
}

type PostFieldMap struct {
	ID       []string
	Caption  []string
	Likes    []string
	Comments []string
	URL      []string
	TakenAt  []string
}

// ProfileFields is the dialect of actors returning one profile item.
var ProfileFields = FieldMap{
	Username:    []string{"username", "userName", "handle"},
	FullName:    []string{"fullName", "full_name", "name"},
	Biography:   []string{"biography", "bio", "description"},
	Category:    []string{"businessCategoryName", "categoryName", "category"},
	ExternalURL: []string{"externalUrl", "external_url", "website"},
	Followers:   []string{"followersCount", "followers", "edge_followed_by.count"},
	Following:   []string{"followsCount", "following", "edge_follow.count"},
	PostsCount:  []string{"postsCount", "mediaCount", "edge_owner_to_timeline_media.count"},
	Verified:    []string{"verified", "isVerified", "is_verified"},
	Business:    []string{"isBusinessAccount", "is_business_account", "businessAccount"},
	Posts:       []string{"latestPosts", "posts", "recentPosts"},
	Post:        defaultPostFields,
}

// PostFields is the dialect of actors returning one item per post.
var PostFields = FieldMap{
	Username:      []string{"ownerUsername", "owner.username", "username"},
	FullName:      []string{"ownerFullName", "owner.full_name", "owner.fullName"},
	Followers:     []string{"owner.followersCount", "ownerFollowersCount"},
	Verified:      []string{"owner.isVerified", "owner.verified", "ownerIsVerified"},
	ItemsArePosts: true,
	Post:          defaultPostFields,
}

var defaultPostFields = PostFieldMap{
	ID:       []string{"id", "shortCode", "shortcode", "pk"},
	Caption:  []string{"caption", "text", "edge_media_to_caption.text"},
	Likes:    []string{"likesCount", "likes", "like_count", "edge_liked_by.count"},
	Comments: []string{"commentsCount", "comments", "comment_count", "edge_media_to_comment.count"},
	URL:      []string{"url", "postUrl", "permalink"},
	TakenAt:  []string{"timestamp", "takenAt", "taken_at_timestamp"},
}

// Map converts raw dataset items to the canonical profile shape. A payload
// without a username is treated as malformed.
func (m FieldMap) Map(items []map[string]any) (*models.ProfileData, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrProviderTransient)
	}
	first := items[0]

	p := &models.ProfileData{
		Username:    asString(lookup(first, m.Username)),
		FullName:    asString(lookup(first, m.FullName)),
		Biography:   asString(lookup(first, m.Biography)),
		Category:    asString(lookup(first, m.Category)),
		ExternalURL: asString(lookup(first, m.ExternalURL)),
		Followers:   asInt64(lookup(first, m.Followers)),
		Following:   asInt64(lookup(first, m.Following)),
		PostsCount:  asInt64(lookup(first, m.PostsCount)),
		Verified:    asBool(lookup(first, m.Verified)),
		Business:    asBool(lookup(first, m.Business)),
	}
	if p.Username == "" {
		return nil, fmt.Errorf("%w: malformed payload: no username field", ErrProviderTransient)
	}

	var rawPosts []any
	if m.ItemsArePosts {
		for _, item := range items {
			rawPosts = append(rawPosts, item)
		}
	} else if list, ok := lookup(first, m.Posts).([]any); ok {
		rawPosts = list
	}

	p.Posts = make([]models.Post, 0, len(rawPosts))
	for _, raw := range rawPosts {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		p.Posts = append(p.Posts, models.Post{
			ID:       asString(lookup(item, m.Post.ID)),
			Caption:  asString(lookup(item, m.Post.Caption)),
			Likes:    asInt64(lookup(item, m.Post.Likes)),
			Comments: asInt64(lookup(item, m.Post.Comments)),
			URL:      asString(lookup(item, m.Post.URL)),
			TakenAt:  asTime(lookup(item, m.Post.TakenAt)),
		})
	}
	if m.ItemsArePosts && p.PostsCount == 0 {
		p.PostsCount = int64(len(p.Posts))
	}
	return p, nil
}

// lookup returns the first non-nil value among the candidate field names.
func lookup(item map[string]any, candidates []string) any {
	for _, name := range candidates {
		if v := walk(item, name); v != nil {
			return v
		}
	}
	return nil
}

func walk(item map[string]any, path string) any {
	var cur any = item
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	case json.Number:
		n, _ := t.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(strings.ReplaceAll(t, ",", ""), 10, 64)
		return n
	}
	return 0
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC()
		}
		if secs, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	case float64:
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Time{}
}
