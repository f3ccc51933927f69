package fleet

import (
	"encoding/json"
	"os"

	"github.com/playwright-community/playwright-go"

	"github.com/nebloop/fleetbridge/internal/identity"
)

// storageStateDoc is the on-disk shape playwright-go's
// BrowserNewContextOptions.StorageStatePath expects: exactly
// {cookies, origins}, matching the subset of identity.State that
// travels with the browser context rather than our own bookkeeping
// (accountName, appUrl).
type storageStateDoc struct {
	Cookies []identity.Cookie        `json:"cookies"`
	Origins []identity.OriginStorage `json:"origins"`
}

// writeTempStorageState renders state's cookies/origins to a scratch
// file in the shape playwright-go's StorageStatePath option expects,
// so a fresh BrowserContext can be preloaded with it. Returns an empty
// path (no preload) when the identity has never been saved. The
// returned cleanup removes the scratch file once the context has been
// created from it.
func writeTempStorageState(state identity.State) (path string, cleanup func(), err error) {
	if len(state.Cookies) == 0 && len(state.Origins) == 0 {
		return "", nil, nil
	}

	doc := storageStateDoc{Cookies: state.Cookies, Origins: state.Origins}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", nil, err
	}

	f, err := os.CreateTemp("", "fleetbridge-storage-state-*.json")
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}

	name := f.Name()
	return name, func() { os.Remove(name) }, nil
}

// convertStorageState maps playwright-go's StorageState export back
// into our own on-disk identity.State shape, preserving whatever
// caller-supplied accountName/appUrl fields identity.Identity.SaveState
// re-attaches.
func convertStorageState(raw *playwright.StorageState) identity.State {
	if raw == nil {
		return identity.State{}
	}

	cookies := make([]identity.Cookie, 0, len(raw.Cookies))
	for _, c := range raw.Cookies {
		sameSite := ""
		if c.SameSite != nil {
			sameSite = string(*c.SameSite)
		}
		cookies = append(cookies, identity.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
			SameSite: sameSite,
		})
	}

	origins := make([]identity.OriginStorage, 0, len(raw.Origins))
	for _, o := range raw.Origins {
		entries := make([]identity.StorageEntry, 0, len(o.LocalStorage))
		for _, kv := range o.LocalStorage {
			entries = append(entries, identity.StorageEntry{Name: kv.Name, Value: kv.Value})
		}
		origins = append(origins, identity.OriginStorage{Origin: o.Origin, LocalStorage: entries})
	}

	return identity.State{Cookies: cookies, Origins: origins}
}
