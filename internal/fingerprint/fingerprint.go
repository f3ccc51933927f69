// Package fingerprint builds the per-identity first-run page script
// described in §4.C.4: webdriver removal, plugin-count spoofing, a
// deterministic WebGL vendor/renderer profile, and benign canvas
// noise. The script is injected by the Browser Fleet Manager via
// playwright-go's BrowserContext.AddInitScript (see
// internal/fleet/fleet.go's newContextAndPage, which calls
// bctx.AddInitScript with this package's Script as the payload) — the
// "run before any page script" primitive playwright-go itself exposes,
// since this system drives the browser through playwright-go alone.
package fingerprint

import "fmt"

// Profile is one of the three stable GPU identities the stealth script
// can present.
type Profile struct {
	Vendor   string
	Renderer string
}

var profiles = [3]Profile{
	{Vendor: "Google Inc. (Intel)", Renderer: "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{Vendor: "Google Inc. (NVIDIA)", Renderer: "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{Vendor: "Google Inc. (AMD)", Renderer: "ANGLE (AMD, AMD Radeon RX 580 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
}

// SelectProfile picks one of the three stable profiles deterministically
// from a fingerprint seed (see internal/identity.Identity.FingerprintSeed).
func SelectProfile(seed uint64) Profile {
	return profiles[seed%uint64(len(profiles))]
}

// NoiseValue derives a small benign per-identity canvas noise value
// from the same seed, stable across restarts.
func NoiseValue(seed uint64) float64 {
	// Map into [0.00, 0.02): enough to perturb a canvas-style
	// fingerprint hash without visibly corrupting rendering.
	return float64(seed%2000) / 100000.0
}

// Script renders the first-run injection for one identity.
func Script(seed uint64) string {
	p := SelectProfile(seed)
	noise := NoiseValue(seed)
	return fmt.Sprintf(stealthTemplate, p.Vendor, p.Renderer, noise)
}

const stealthTemplate = `(() => {
  try {
    Object.defineProperty(Navigator.prototype, 'webdriver', { get: () => undefined });
  } catch (e) {}

  try {
    if (navigator.plugins && navigator.plugins.length === 0) {
      Object.defineProperty(navigator, 'plugins', {
        get: () => {
          const fake = [1, 2, 3].map((i) => ({ name: 'Plugin ' + i }));
          fake.item = (idx) => fake[idx];
          fake.namedItem = () => null;
          return fake;
        },
      });
    }
  } catch (e) {}

  try {
    const VENDOR = %q;
    const RENDERER = %q;
    const UNMASKED_VENDOR_WEBGL = 37445;
    const UNMASKED_RENDERER_WEBGL = 37446;
    for (const proto of [WebGLRenderingContext, WebGL2RenderingContext]) {
      if (!proto) continue;
      const original = proto.prototype.getParameter;
      proto.prototype.getParameter = function (param) {
        if (param === UNMASKED_VENDOR_WEBGL) return VENDOR;
        if (param === UNMASKED_RENDERER_WEBGL) return RENDERER;
        return original.apply(this, arguments);
      };
    }
  } catch (e) {}

  try {
    const NOISE = %v;
    const proto = HTMLCanvasElement.prototype;
    const originalToDataURL = proto.toDataURL;
    proto.toDataURL = function (...args) {
      const ctx = this.getContext('2d');
      if (ctx && NOISE > 0) {
        const imageData = ctx.getImageData(0, 0, this.width, this.height);
        for (let i = 0; i < imageData.data.length; i += 97) {
          imageData.data[i] = imageData.data[i] ^ Math.floor(NOISE * 255);
        }
        ctx.putImageData(imageData, 0, 0);
      }
      return originalToDataURL.apply(this, args);
    };
  } catch (e) {}
})();
`
