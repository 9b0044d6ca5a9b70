// pkg/installer/steps.go - the install step table and the action behind each step.

package installer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/windowsadmins/winebridge/pkg/download"
	"github.com/windowsadmins/winebridge/pkg/frontend"
	"github.com/windowsadmins/winebridge/pkg/launcher"
	"github.com/windowsadmins/winebridge/pkg/logging"
	"github.com/windowsadmins/winebridge/pkg/utils"
	"github.com/windowsadmins/winebridge/pkg/wine"
)

// Answers offered beside concrete paths.
const (
	OptionDownloadWine   = "Download the recommended Wine image"
	OptionDownloadHelper = "Download winetricks"
)

const (
	maxNetworkPrompts = 3
	maxWineChoices    = 3
	documentLimit     = 1 << 20
	helperName        = "winetricks"
	settingsFile      = "winebridge-settings.reg"
)

var (
	findCandidates = wine.FindCandidates
	lookPath       = exec.LookPath
)

// Steps is the install table in dependency order.
func (i *Installer) Steps() []Step {
	s := i.ictx.Snapshot
	return []Step{
		{"Choose application", func(context.Context) bool { return s().Application != "" }, i.chooseApplication},
		{"Choose application version", func(context.Context) bool { return s().AppVersion != "" }, i.chooseVersion},
		{"Choose release", func(context.Context) bool { return s().AppRelease != "" }, i.chooseRelease},
		{"Choose install directory", func(context.Context) bool { return s().InstallDir != "" }, i.chooseInstallDir},
		{"Choose Wine binary", i.wineChosen, i.chooseWine},
		{"Choose winetricks", func(context.Context) bool { return s().HelperBinary != "" }, i.chooseHelper},
		{"Derive download locations", func(context.Context) bool { return s().Derived(i.cfg().IconURL != "") }, i.deriveLocations},
		{"Create install directories", i.directoriesExist, i.createDirectories},
		{"Install system dependencies", i.dependenciesPresent, i.installDependencies},
		{"Fetch Wine image", i.wineImagePresent, i.fetchWineImage},
		{"Link Wine executables", i.wineLinked, i.linkWine},
		{"Fetch winetricks", i.helperPresent, i.fetchHelper},
		{"Fetch legacy prefix image", i.legacyImagePresent, i.fetchLegacyImage},
		{"Fetch application installer", i.installerPresent, i.fetchInstaller},
		{"Initialise Wine prefix", i.prefixInitialised, i.bootstrapPrefix},
		{"Apply Wine settings", i.settingsApplied, i.applySettings},
		{"Run application installer", func(context.Context) bool { return utils.FileExists(s().AppExe) }, i.runInstaller},
		{"Save configuration", func(context.Context) bool { return i.ictx.Persisted() }, i.persist},
		{"Create launchers", i.launchersPresent, i.createLaunchers},
	}
}

func (i *Installer) ask(ctx context.Context, key, text string, options []string) (string, error) {
	answer, err := i.adapter.Ask(ctx, frontend.Question{Key: key, Text: text, Options: options})
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("%w: %s", frontend.ErrAbort, text)
	}
	return answer, nil
}

// localSearchDirs is where verified local copies are looked for: the install directory
// first, then the configured fallbacks.
func (i *Installer) localSearchDirs() []string {
	var dirs []string
	if st := i.ictx.Snapshot(); st.InstallDir != "" {
		dirs = append(dirs, st.InstallDir, st.DataDir())
	}
	return append(dirs, i.opts.SearchDirs...)
}

// fetch wraps Ensure; a network failure asks the user whether to try again.
func (i *Installer) fetch(ctx context.Context, rawURL, dir, name string) error {
	i.opts.Fetcher.SetSearchDirs(i.localSearchDirs()...)
	for attempt := 1; ; attempt++ {
		err := i.opts.Fetcher.Ensure(ctx, i.opts.Retry, rawURL, dir, name)
		if err == nil || !errors.Is(err, download.ErrNetwork) || attempt >= maxNetworkPrompts {
			return err
		}
		again, aerr := i.adapter.Approve(ctx, fmt.Sprintf("Downloading %s failed: %v. Try again?", name, err))
		if aerr != nil {
			return aerr
		}
		if !again {
			return err
		}
	}
}

func (i *Installer) env(s State) []string {
	env := wine.Environment(s.WinePrefix, i.cfg().Debug)
	return append(env, "WINE="+s.WineBinary, "WINESERVER="+wine.ServerPath(s.WineBinary))
}

func (i *Installer) runWine(ctx context.Context, s State, args ...string) error {
	res, err := i.opts.Runner.Run(ctx, s.WineBinary, args, wine.RunOptions{Env: i.env(s)})
	if err != nil {
		return fmt.Errorf("wine %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// waitServer blocks until the prefix's wineserver has no clients left.
func (i *Installer) waitServer(ctx context.Context, s State) error {
	_, err := i.opts.Runner.Run(ctx, wine.ServerPath(s.WineBinary), []string{"-w"}, wine.RunOptions{Env: i.env(s)})
	return err
}

func (i *Installer) chooseApplication(ctx context.Context) error {
	answer, err := i.ask(ctx, "application", "Which application should be installed?", i.cfg().Applications)
	if err != nil {
		return err
	}
	i.ictx.Update(func(s *State) { s.Application = answer })
	return nil
}

func (i *Installer) chooseVersion(ctx context.Context) error {
	answer, err := i.ask(ctx, "version", "Which version of "+i.ictx.Snapshot().Application+"?", wine.SupportedAppVersions)
	if err != nil {
		return err
	}
	if !slices.Contains(wine.SupportedAppVersions, answer) {
		return fmt.Errorf("unsupported application version %q", answer)
	}
	i.ictx.Update(func(s *State) { s.AppVersion = answer })
	return nil
}

func (i *Installer) chooseRelease(ctx context.Context) error {
	st := i.ictx.Snapshot()
	lower := strings.ToLower(st.Application)
	feedURL := fmt.Sprintf(i.cfg().ReleaseFeedURL, lower)
	ext := ".xml"
	if u, err := url.Parse(feedURL); err == nil && path.Ext(u.Path) != "" {
		ext = path.Ext(u.Path)
	}
	name := lower + "-releases" + ext

	if err := i.fetch(ctx, feedURL, i.cfg().CachePath, name); err != nil {
		return fmt.Errorf("fetching release feed: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(i.cfg().CachePath, name))
	if err != nil {
		return err
	}
	all, err := ParseReleaseFeed(data)
	if err != nil {
		return err
	}
	options := ReleasesFor(all, st.AppVersion, 5)
	if len(options) == 0 {
		return fmt.Errorf("no %s %s releases in %s", st.Application, st.AppVersion, feedURL)
	}

	answer, err := i.ask(ctx, "release", "Which release of "+st.Application+" "+st.AppVersion+"?", options)
	if err != nil {
		return err
	}
	i.ictx.Update(func(s *State) { s.AppRelease = answer })
	return nil
}

func (i *Installer) chooseInstallDir(ctx context.Context) error {
	st := i.ictx.Snapshot()
	def := utils.ExpandHome("~/" + st.Application + st.AppVersion)
	answer, err := i.ask(ctx, "installdir", "Where should "+st.Application+" be installed?", []string{def})
	if err != nil {
		return err
	}
	dir, err := filepath.Abs(utils.ExpandHome(answer))
	if err != nil {
		return err
	}
	i.ictx.Update(func(s *State) { s.InstallDir = dir })
	return nil
}

// wineChosen re-validates a chosen binary, so a stale or hand-edited path is asked again.
// A bundled image that is not fetched yet is validated once it is linked.
func (i *Installer) wineChosen(ctx context.Context) bool {
	st := i.ictx.Snapshot()
	if st.WineBinary == "" {
		return false
	}
	if st.RuntimeImage != "" && !utils.FileExists(filepath.Join(st.DataDir(), st.RuntimeImage)) {
		return true
	}
	c, err := wine.Classify(ctx, i.opts.Runner, st.WineBinary)
	if err == nil {
		err = wine.Check(c, st.AppRelease, st.AppVersion)
	}
	if err != nil {
		logging.Warn("Configured Wine binary is no longer usable", "path", st.WineBinary, "error", err)
		return false
	}
	return true
}

func (i *Installer) chooseWine(ctx context.Context) error {
	st := i.ictx.Snapshot()
	allowed, rejected := wine.Filter(ctx, i.opts.Runner, findCandidates(st.InstallDir), st.AppRelease, st.AppVersion)
	for _, r := range rejected {
		logging.Debug("Not offering Wine binary", "path", r.Path, "reason", r.Reason)
	}

	var options []string
	for _, c := range allowed {
		options = append(options, c.Path)
	}
	if i.cfg().RuntimeReleaseURL != "" {
		options = append(options, OptionDownloadWine)
	}
	text := "Which Wine binary should be used?"
	if len(allowed) == 0 {
		text = "No installed Wine build can run " + st.Application + " " + st.AppVersion + ". Choose an option or enter the path to a Wine binary."
	}

	for attempt := 1; attempt <= maxWineChoices; attempt++ {
		answer, err := i.ask(ctx, "wine", text, options)
		if err != nil {
			return err
		}
		if answer == OptionDownloadWine {
			return i.useRecommendedImage(ctx)
		}

		idx := slices.IndexFunc(allowed, func(c wine.Candidate) bool { return c.Path == answer })
		var chosen wine.Candidate
		if idx >= 0 {
			chosen = allowed[idx]
		} else {
			chosen, err = wine.Classify(ctx, i.opts.Runner, utils.ExpandHome(answer))
			if err == nil {
				err = wine.Check(chosen, st.AppRelease, st.AppVersion)
			}
			if err != nil {
				logging.Warn("Rejected Wine binary", "path", answer, "error", err)
				i.adapter.Status(err.Error(), frontend.NoPercent)
				continue
			}
		}

		logging.Info("Selected Wine binary", "candidate", chosen.String())
		i.ictx.Update(func(s *State) {
			s.WineBinary = chosen.Path
			s.RuntimeImage = ""
		})
		return nil
	}
	return fmt.Errorf("%w: no acceptable Wine binary chosen for %s %s", wine.ErrCompatibility, st.Application, st.AppVersion)
}

func (i *Installer) latestImage(ctx context.Context) (Asset, error) {
	data, err := i.opts.Fetcher.Get(ctx, i.cfg().RuntimeReleaseURL, documentLimit)
	if err != nil {
		return Asset{}, err
	}
	rel, err := ParseLatestRelease(data)
	if err != nil {
		return Asset{}, err
	}
	asset, ok := rel.AssetWithSuffix(".AppImage")
	if !ok {
		return Asset{}, fmt.Errorf("release %s has no Wine image", rel.TagName)
	}
	return asset, nil
}

func (i *Installer) useRecommendedImage(ctx context.Context) error {
	asset, err := i.latestImage(ctx)
	if err != nil {
		return err
	}
	i.ictx.Update(func(s *State) {
		s.RuntimeImage = asset.Name
		s.RuntimeImageURL = asset.URL
		s.WineBinary = filepath.Join(s.BinDir(), "wine64")
	})
	return nil
}

func (i *Installer) chooseHelper(ctx context.Context) error {
	var options []string
	if p, err := lookPath(helperName); err == nil {
		options = append(options, p)
	}
	options = append(options, OptionDownloadHelper)

	answer, err := i.ask(ctx, "helper", "Which winetricks should be used?", options)
	if err != nil {
		return err
	}
	var helper string
	if answer == OptionDownloadHelper {
		helper = filepath.Join(i.ictx.Snapshot().BinDir(), helperName)
	} else {
		helper = utils.ExpandHome(answer)
		if !utils.IsExecutable(helper) {
			return fmt.Errorf("%s is not an executable file", helper)
		}
	}
	i.ictx.Update(func(s *State) { s.HelperBinary = helper })

	// Every choice is made at this point; keep them if a later step fails.
	return i.ictx.Persist()
}

func (i *Installer) deriveLocations(context.Context) error {
	i.ictx.Update(i.ictx.derive)
	if !i.ictx.Snapshot().Derived(i.cfg().IconURL != "") {
		return fmt.Errorf("cannot derive download locations from the current choices")
	}
	return nil
}

func (i *Installer) directories() []string {
	st := i.ictx.Snapshot()
	return []string{st.InstallDir, st.DataDir(), st.BinDir(), i.cfg().CachePath}
}

func (i *Installer) directoriesExist(context.Context) bool {
	for _, dir := range i.directories() {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

func (i *Installer) createDirectories(context.Context) error {
	for _, dir := range i.directories() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

func (i *Installer) dependenciesPresent(ctx context.Context) bool {
	if i.opts.Dependencies == nil {
		return true
	}
	missing, err := i.opts.Dependencies.Missing(ctx)
	return err == nil && len(missing) == 0
}

func (i *Installer) installDependencies(ctx context.Context) error {
	missing, err := i.opts.Dependencies.Missing(ctx)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	ok, err := i.adapter.Approve(ctx, "Install the missing system packages: "+strings.Join(missing, ", ")+"?")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: system packages %s are required", frontend.ErrAbort, strings.Join(missing, ", "))
	}
	return i.opts.Dependencies.Install(ctx, missing)
}

func (i *Installer) wineImagePresent(context.Context) bool {
	st := i.ictx.Snapshot()
	return st.RuntimeImage == "" || utils.FileExists(filepath.Join(st.DataDir(), st.RuntimeImage))
}

func (i *Installer) fetchWineImage(ctx context.Context) error {
	st := i.ictx.Snapshot()
	imageURL := st.RuntimeImageURL
	if imageURL == "" {
		asset, err := i.latestImage(ctx)
		if err != nil {
			return err
		}
		imageURL = asset.URL
		i.ictx.Update(func(s *State) { s.RuntimeImageURL = asset.URL })
	}
	if err := i.fetch(ctx, imageURL, st.DataDir(), st.RuntimeImage); err != nil {
		return err
	}
	return os.Chmod(filepath.Join(st.DataDir(), st.RuntimeImage), 0755)
}

var wineLinks = []string{"wine64", "wine", "wineserver"}

func (i *Installer) wineLinked(context.Context) bool {
	st := i.ictx.Snapshot()
	if st.RuntimeImage == "" {
		return true
	}
	target := filepath.Join("..", st.RuntimeImage)
	for _, name := range wineLinks {
		if dest, err := os.Readlink(filepath.Join(st.BinDir(), name)); err != nil || dest != target {
			return false
		}
	}
	return true
}

func (i *Installer) linkWine(ctx context.Context) error {
	st := i.ictx.Snapshot()
	target := filepath.Join("..", st.RuntimeImage)
	for _, name := range wineLinks {
		link := filepath.Join(st.BinDir(), name)
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("linking %s: %w", link, err)
		}
	}

	c, err := wine.Classify(ctx, i.opts.Runner, st.WineBinary)
	if err != nil {
		return err
	}
	return wine.Check(c, st.AppRelease, st.AppVersion)
}

func (i *Installer) helperDownloaded(st State) bool {
	return st.HelperBinary == filepath.Join(st.BinDir(), helperName)
}

func (i *Installer) helperPresent(context.Context) bool {
	st := i.ictx.Snapshot()
	return !i.helperDownloaded(st) || utils.IsExecutable(st.HelperBinary)
}

func (i *Installer) fetchHelper(ctx context.Context) error {
	st := i.ictx.Snapshot()
	if err := i.fetch(ctx, i.cfg().HelperToolURL, st.BinDir(), helperName); err != nil {
		return err
	}
	return os.Chmod(st.HelperBinary, 0755)
}

func (i *Installer) legacyImagePath(st State) string {
	return filepath.Join(st.DataDir(), path.Base(i.cfg().LegacyImageURL))
}

func (i *Installer) legacyImagePresent(context.Context) bool {
	st := i.ictx.Snapshot()
	return st.AppVersion != wine.AppVersionLegacy || i.cfg().LegacyImageURL == "" || utils.FileExists(i.legacyImagePath(st))
}

func (i *Installer) fetchLegacyImage(ctx context.Context) error {
	st := i.ictx.Snapshot()
	return i.fetch(ctx, i.cfg().LegacyImageURL, st.DataDir(), filepath.Base(i.legacyImagePath(st)))
}

func (i *Installer) installerPresent(context.Context) bool {
	st := i.ictx.Snapshot()
	if !utils.FileExists(filepath.Join(st.DataDir(), st.InstallerFile)) {
		return false
	}
	return st.IconURL == "" || utils.FileExists(st.IconFile)
}

func (i *Installer) fetchInstaller(ctx context.Context) error {
	st := i.ictx.Snapshot()
	if err := i.fetch(ctx, st.InstallerURL, st.DataDir(), st.InstallerFile); err != nil {
		return err
	}
	if st.IconURL != "" && !utils.FileExists(st.IconFile) {
		if err := i.fetch(ctx, st.IconURL, filepath.Dir(st.IconFile), filepath.Base(st.IconFile)); err != nil {
			logging.Warn("Failed to fetch application icon", "url", st.IconURL, "error", err)
		}
	}
	return nil
}

func (i *Installer) prefixInitialised(context.Context) bool {
	return utils.FileExists(filepath.Join(i.ictx.Snapshot().WinePrefix, "system.reg"))
}

func (i *Installer) bootstrapPrefix(ctx context.Context) error {
	st := i.ictx.Snapshot()
	i.adapter.Status("Initialising Wine prefix "+st.WinePrefix, frontend.NoPercent)
	if err := i.runWine(ctx, st, "wineboot", "--init"); err != nil {
		return err
	}
	return i.waitServer(ctx, st)
}

// settings disables the menu builder and crash dialog, selects the GDI renderer, enables
// subpixel font smoothing and reports Windows 10 to the application and its indexer.
func settings(app string) string {
	var b strings.Builder
	b.WriteString("REGEDIT4\n\n")
	b.WriteString("[HKEY_CURRENT_USER\\Software\\Wine\\DllOverrides]\n\"winemenubuilder.exe\"=\"\"\n\n")
	b.WriteString("[HKEY_CURRENT_USER\\Software\\Wine\\WineDbg]\n\"ShowCrashDialog\"=dword:00000000\n\n")
	b.WriteString("[HKEY_CURRENT_USER\\Software\\Wine\\Direct3D]\n\"renderer\"=\"gdi\"\n\n")
	b.WriteString("[HKEY_CURRENT_USER\\Control Panel\\Desktop]\n\"FontSmoothing\"=\"2\"\n" +
		"\"FontSmoothingType\"=dword:00000002\n\"FontSmoothingGamma\"=dword:00000578\n" +
		"\"FontSmoothingOrientation\"=dword:00000001\n\n")
	for _, exe := range []string{app + ".exe", app + "Indexer.exe"} {
		fmt.Fprintf(&b, "[HKEY_CURRENT_USER\\Software\\Wine\\AppDefaults\\%s]\n\"Version\"=\"win10\"\n\n", exe)
	}
	return b.String()
}

func (i *Installer) settingsMarker(st State) string {
	return filepath.Join(st.WinePrefix, ".winebridge-settings")
}

func (i *Installer) settingsApplied(context.Context) bool {
	st := i.ictx.Snapshot()
	data, err := os.ReadFile(i.settingsMarker(st))
	return err == nil && string(data) == settings(st.Application)
}

func (i *Installer) applySettings(ctx context.Context) error {
	st := i.ictx.Snapshot()
	content := settings(st.Application)
	regFile := filepath.Join(st.DataDir(), settingsFile)
	if err := os.WriteFile(regFile, []byte(content), 0644); err != nil {
		return err
	}
	if err := i.runWine(ctx, st, "regedit", "/S", regFile); err != nil {
		return err
	}

	verbs := []string{"-q", "corefonts", "d3dcompiler_47", "settings", "fontsmooth=rgb", "renderer=gdi"}
	res, err := i.opts.Runner.Run(ctx, st.HelperBinary, verbs, wine.RunOptions{Env: i.env(st)})
	if err != nil {
		return fmt.Errorf("winetricks: %w: %s", err, strings.TrimSpace(string(res.Stderr)))
	}
	if err := i.waitServer(ctx, st); err != nil {
		return err
	}
	return os.WriteFile(i.settingsMarker(st), []byte(content), 0644)
}

func (i *Installer) runInstaller(ctx context.Context) error {
	st := i.ictx.Snapshot()
	i.adapter.Status("Running the "+st.Application+" installer", frontend.NoPercent)
	if err := i.runWine(ctx, st, "msiexec", "/i", filepath.Join(st.DataDir(), st.InstallerFile)); err != nil {
		return err
	}
	if err := i.waitServer(ctx, st); err != nil {
		return err
	}
	if !utils.FileExists(st.AppExe) {
		return fmt.Errorf("installer finished but %s is missing", st.AppExe)
	}
	return nil
}

func (i *Installer) persist(context.Context) error {
	return i.ictx.Persist()
}

func (i *Installer) launcherID() string {
	return strings.ToLower(i.ictx.Snapshot().Application)
}

func (i *Installer) launchersPresent(context.Context) bool {
	return i.opts.Launcher == nil || i.opts.Launcher.Exists(i.launcherID())
}

func (i *Installer) createLaunchers(context.Context) error {
	st := i.ictx.Snapshot()
	icon := ""
	if utils.FileExists(st.IconFile) {
		icon = st.IconFile
	}
	entry := launcher.Entry{
		ID:         i.launcherID(),
		Name:       st.Application,
		Comment:    st.Application + " " + st.AppVersion + " under Wine",
		Exec:       i.opts.LaunchCommand,
		Categories: []string{"Education"},
	}
	return i.opts.Launcher.Create(entry, icon)
}
