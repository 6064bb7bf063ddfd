package dispatch

import "github.com/tallybot/tallybot/pkg/events"

// Filter is the inbound allow-list, kept per origin. An origin with no
// entries allows everything; once any channel or guild is listed for an
// origin, events must match one of them, and once any author is listed,
// authored events must come from one of them. Filtering happens before
// handlers run, so a denied event never touches session state.
type Filter struct {
	channels map[events.Origin]map[string]struct{}
	guilds   map[events.Origin]map[string]struct{}
	authors  map[events.Origin]map[string]struct{}
}

// NewFilter builds an allow-everything filter.
func NewFilter() *Filter {
	return &Filter{
		channels: make(map[events.Origin]map[string]struct{}),
		guilds:   make(map[events.Origin]map[string]struct{}),
		authors:  make(map[events.Origin]map[string]struct{}),
	}
}

// AllowChannels adds channel IDs to the origin's allow-list.
func (f *Filter) AllowChannels(origin events.Origin, ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if f.channels[origin] == nil {
			f.channels[origin] = make(map[string]struct{})
		}
		f.channels[origin][id] = struct{}{}
	}
}

// AllowGuilds adds guild IDs to the origin's allow-list.
func (f *Filter) AllowGuilds(origin events.Origin, ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if f.guilds[origin] == nil {
			f.guilds[origin] = make(map[string]struct{})
		}
		f.guilds[origin][id] = struct{}{}
	}
}

// AllowAuthors restricts who may address the bot on the origin. Events
// without an author (deletions, ticks) are not user input and always pass.
func (f *Filter) AllowAuthors(origin events.Origin, ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if f.authors[origin] == nil {
			f.authors[origin] = make(map[string]struct{})
		}
		f.authors[origin][id] = struct{}{}
	}
}

// Allows reports whether the event clears the origin's allow-list.
func (f *Filter) Allows(evt events.Event) bool {
	if authors := f.authors[evt.Origin]; len(authors) > 0 && evt.AuthorID != "" {
		if _, ok := authors[evt.AuthorID]; !ok {
			return false
		}
	}

	channels := f.channels[evt.Origin]
	guilds := f.guilds[evt.Origin]
	if len(channels) == 0 && len(guilds) == 0 {
		return true
	}
	if _, ok := channels[evt.ChannelID]; ok {
		return true
	}
	if evt.GuildID != "" {
		if _, ok := guilds[evt.GuildID]; ok {
			return true
		}
	}
	return false
}
