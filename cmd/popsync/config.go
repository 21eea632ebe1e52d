package main

import "src.bluestatic.org/popsync/internal/tlstrust"

// Config is the on-disk JSON configuration for one mailbox sync run: a
// single JSON document decoded straight into this struct.
type Config struct {
	URL string `json:"url"`

	Password string `json:"password"`

	CheckIntervalSeconds int  `json:"checkIntervalSeconds"`
	MarkOld              bool `json:"markOld"`
	MessageCacheClean    bool `json:"messageCacheClean"`
	UseAPOP              bool `json:"useAPOP"`

	// HeaderCachePath overrides the derived per-account location under
	// CacheDir.
	HeaderCachePath string `json:"headerCachePath"`
	BodyCachePath   string `json:"bodyCachePath"`
	CacheDir        string `json:"cacheDir"`

	// SpoolPath enables a drain pass: every (new) message is fetched
	// into this directory, one file per message.
	SpoolPath    string `json:"spoolPath"`
	DrainOnlyNew bool   `json:"drainOnlyNew"`
	DrainDelete  bool   `json:"drainDelete"`

	TLS tlstrust.Config `json:"tls"`
}
