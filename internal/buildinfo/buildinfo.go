// Package buildinfo reports what binary is running. Version, Commit and BuiltAt are set
// with -ldflags "-X poolroute/internal/buildinfo.Version=..."; Commit and BuiltAt fall back
// to the VCS stamp the Go toolchain embeds.
package buildinfo

import (
    "runtime"
    "runtime/debug"
    "sync"
)

var (
    Version = "dev"
    Commit  = ""
    BuiltAt = ""
)

var (
    once sync.Once
    info map[string]string
)

func Info() map[string]string {
    once.Do(func() {
        info = map[string]string{
            "version":   Version,
            "commit":    Commit,
            "builtAt":   BuiltAt,
            "goVersion": runtime.Version(),
        }
        bi, ok := debug.ReadBuildInfo()
        if !ok {
            return
        }
        for _, s := range bi.Settings {
            switch s.Key {
            case "vcs.revision":
                if info["commit"] == "" { info["commit"] = s.Value }
            case "vcs.time":
                if info["builtAt"] == "" { info["builtAt"] = s.Value }
            case "vcs.modified":
                if s.Value == "true" { info["dirty"] = "true" }
            }
        }
    })
    out := make(map[string]string, len(info))
    for k, v := range info { out[k] = v }
    return out
}
