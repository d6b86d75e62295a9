package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint. The validator's instructions are identical for every field, so
// consecutive judgments hit the warm prompt cache.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
