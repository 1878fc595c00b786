package ai

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/leadscout/pkg/models"
)

const scoreSchemaName = "lead_score"

// ScoreSchema is the structured-output contract every provider is asked to honour.
var ScoreSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"score": map[string]any{
			"type":    "integer",
			"minimum": 0,
			"maximum": 100,
		},
		"summary": map[string]any{
			"type": "string",
		},
	},
	"required":             []string{"score", "summary"},
	"additionalProperties": false,
}

const systemPrompt = `You qualify social media profiles as sales leads for a business.
Respond only with JSON matching the provided schema: an integer "score" from 0 to 100
and a short "summary" explaining the score.`

// maxPromptPosts caps how many posts are quoted in the prompt.
const maxPromptPosts = 20

// buildPrompt renders the user message for one profile.
func buildPrompt(bc *models.BusinessContext, p *models.ProfileData) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Business: %s\n", bc.BusinessName)
	if bc.Industry != "" {
		fmt.Fprintf(&b, "Industry: %s\n", bc.Industry)
	}
	if bc.Offering != "" {
		fmt.Fprintf(&b, "Offering: %s\n", bc.Offering)
	}
	if bc.TargetAudience != "" {
		fmt.Fprintf(&b, "Target audience: %s\n", bc.TargetAudience)
	}
	if bc.IdealCustomer != "" {
		fmt.Fprintf(&b, "Ideal customer: %s\n", bc.IdealCustomer)
	}

	fmt.Fprintf(&b, "\nProfile: @%s (%s)\n", p.Username, p.FullName)
	fmt.Fprintf(&b, "Bio: %s\n", p.Biography)
	if p.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", p.Category)
	}
	fmt.Fprintf(&b, "Followers: %d, following: %d, posts: %d, verified: %t, business: %t\n",
		p.Followers, p.Following, p.PostsCount, p.Verified, p.Business)

	posts := p.Posts
	if len(posts) > maxPromptPosts {
		posts = posts[:maxPromptPosts]
	}
	if len(posts) > 0 {
		b.WriteString("\nRecent posts:\n")
		for _, post := range posts {
			caption := strings.Join(strings.Fields(post.Caption), " ")
			if r := []rune(caption); len(r) > 280 {
				caption = string(r[:280]) + "..."
			}
			fmt.Fprintf(&b, "- [%d likes, %d comments] %s\n", post.Likes, post.Comments, caption)
		}
	}
	return b.String()
}
