package cellar

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// ServiceDescriptor is a launchd job for the installed program.
type ServiceDescriptor struct {
	Label            string
	RunAtLoad        bool
	KeepAlive        bool
	UserName         string
	ProgramArguments []string
	WorkingDirectory string
	ListenPort       int
}

// PlistName is the file name the descriptor is written under.
func (sd *ServiceDescriptor) PlistName() string { return sd.Label + ".plist" }

// PlistPath is where the descriptor is written after a successful install.
func (sd *ServiceDescriptor) PlistPath(l *InstallLayout) string {
	return filepath.Join(l.Prefix, sd.PlistName())
}

// GenerateService builds the service descriptor of f for layout l, run as
// userName. A formula without a service block yields nil.
func GenerateService(f *Formula, l *InstallLayout, userName string) (*ServiceDescriptor, error) {
	svc := f.service
	if svc == nil {
		return nil, nil
	}
	ctx := l.evalContext(f.Name, f.Version)

	args, err := evalStrings(svc.ProgramArguments, ctx)
	if err != nil {
		return nil, f.exprError("service.program_arguments", err)
	}
	if len(args) == 0 {
		return nil, configErrorf(f.ID(), "service.program_arguments is empty")
	}
	wd, err := evalString(svc.WorkingDirectory, ctx)
	if err != nil {
		return nil, f.exprError("service.working_directory", err)
	}
	if wd == "" {
		wd = l.Root
	}

	sd := &ServiceDescriptor{
		Label:            svc.Label,
		RunAtLoad:        true,
		KeepAlive:        true,
		UserName:         userName,
		ProgramArguments: args,
		WorkingDirectory: wd,
		ListenPort:       svc.ListenPort,
	}
	if svc.RunAtLoad != nil {
		sd.RunAtLoad = *svc.RunAtLoad
	}
	if svc.KeepAlive != nil {
		sd.KeepAlive = *svc.KeepAlive
	}
	return sd, nil
}

const plistHeader = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
  <dict>
`

// RenderPlist serializes sd as an XML property list.
func RenderPlist(sd *ServiceDescriptor) ([]byte, error) {
	if sd.Label == "" {
		return nil, configErrorf("service", "descriptor has no label")
	}
	var b bytes.Buffer
	b.WriteString(plistHeader)

	str := func(key, val string) {
		fmt.Fprintf(&b, "    <key>%s</key>\n    <string>%s</string>\n", key, xmlEscape(val))
	}
	boolean := func(key string, val bool) {
		fmt.Fprintf(&b, "    <key>%s</key>\n    <%t/>\n", key, val)
	}

	str("Label", sd.Label)
	boolean("RunAtLoad", sd.RunAtLoad)
	boolean("KeepAlive", sd.KeepAlive)
	if sd.UserName != "" {
		str("UserName", sd.UserName)
	}
	b.WriteString("    <key>ProgramArguments</key>\n    <array>\n")
	for _, a := range sd.ProgramArguments {
		fmt.Fprintf(&b, "        <string>%s</string>\n", xmlEscape(a))
	}
	b.WriteString("    </array>\n")
	if sd.WorkingDirectory != "" {
		str("WorkingDirectory", sd.WorkingDirectory)
	}
	b.WriteString("  </dict>\n</plist>\n")
	return b.Bytes(), nil
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// RenderCaveats evaluates the formula's post-install notes. Besides the layout
// variables the template sees ${label}, ${plist} and ${port}.
func RenderCaveats(f *Formula, l *InstallLayout, sd *ServiceDescriptor) (string, error) {
	if f.caveats == nil {
		return "", nil
	}
	ctx := l.evalContext(f.Name, f.Version)
	vars := map[string]cty.Value{
		"label": cty.StringVal(""),
		"plist": cty.StringVal(""),
		"port":  cty.StringVal(""),
	}
	if sd != nil {
		vars["label"] = cty.StringVal(sd.Label)
		vars["plist"] = cty.StringVal(sd.PlistPath(l))
		if sd.ListenPort > 0 {
			vars["port"] = cty.StringVal(strconv.Itoa(sd.ListenPort))
		}
	}
	child := ctx.NewChild()
	child.Variables = vars

	text, err := evalString(f.caveats, child)
	if err != nil {
		return "", f.exprError("caveats", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	return strings.TrimRight(text, "\n") + "\n", nil
}

// currentUserName returns the user a service should run as: the invoking user
// when running under sudo, otherwise the current user.
func currentUserName() string {
	if u := os.Getenv("SUDO_USER"); u != "" && u != "root" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return strconv.Itoa(os.Getuid())
}
