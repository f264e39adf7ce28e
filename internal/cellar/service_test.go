package cellar

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fixtureFormulaDir holds static-mode revisions layered over the embedded ones.
const fixtureFormulaDir = "testdata/formulas"

func embeddedFormula(t *testing.T, ref string) *Formula {
	t.Helper()
	return lookupFormula(t, nil, ref)
}

func fixtureFormula(t *testing.T, ref string) *Formula {
	t.Helper()
	return lookupFormula(t, []string{fixtureFormulaDir}, ref)
}

func lookupFormula(t *testing.T, dirs []string, ref string) *Formula {
	t.Helper()
	ix, err := LoadFormulaIndex(dirs)
	if err != nil {
		t.Fatal(err)
	}
	f, err := ix.Lookup(ref)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestGenerateService(t *testing.T) {
	f := embeddedFormula(t, "nginx@1.0.0")
	l, err := f.Layout("/usr/local")
	if err != nil {
		t.Fatal(err)
	}

	sd, err := GenerateService(f, l, "builder")
	if err != nil {
		t.Fatal(err)
	}
	want := &ServiceDescriptor{
		Label:            "org.nginx",
		RunAtLoad:        true,
		KeepAlive:        true,
		UserName:         "builder",
		ProgramArguments: []string{"/usr/local/Cellar/nginx/1.0.0/sbin/nginx", "-g", "daemon off;"},
		WorkingDirectory: "/usr/local",
		ListenPort:       8080,
	}
	if diff := cmp.Diff(want, sd); diff != "" {
		t.Errorf("GenerateService() mismatch (-want +got):\n%s", diff)
	}
	if got := sd.PlistPath(l); got != "/usr/local/Cellar/nginx/1.0.0/org.nginx.plist" {
		t.Errorf("PlistPath() = %q", got)
	}
}

func TestGenerateServiceWithoutServiceBlock(t *testing.T) {
	f := mustParseFormula(t, scenarioFormula, nil)
	l, err := f.Layout("/usr/local")
	if err != nil {
		t.Fatal(err)
	}
	sd, err := GenerateService(f, l, "builder")
	if err != nil || sd != nil {
		t.Fatalf("GenerateService() = %v, %v; want nil, nil", sd, err)
	}
	caveats, err := RenderCaveats(f, l, sd)
	if err != nil || caveats != "" {
		t.Errorf("RenderCaveats() = %q, %v; want empty", caveats, err)
	}
}

func TestRenderPlist(t *testing.T) {
	sd := &ServiceDescriptor{
		Label:            "org.nginx",
		RunAtLoad:        true,
		KeepAlive:        false,
		UserName:         "builder",
		ProgramArguments: []string{"/usr/local/sbin/nginx", "-g", "daemon off;"},
		WorkingDirectory: "/usr/local",
	}
	data, err := RenderPlist(sd)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)

	for _, want := range []string{
		`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">`,
		"<key>Label</key>\n    <string>org.nginx</string>",
		"<key>RunAtLoad</key>\n    <true/>",
		"<key>KeepAlive</key>\n    <false/>",
		"<key>UserName</key>\n    <string>builder</string>",
		"        <string>daemon off;</string>",
		"<key>WorkingDirectory</key>\n    <string>/usr/local</string>",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("plist lacks %q:\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, "  </dict>\n</plist>\n") {
		t.Errorf("plist is not terminated properly:\n%s", got)
	}
}

func TestRenderPlistEscapes(t *testing.T) {
	sd := &ServiceDescriptor{
		Label:            "org.nginx&friends",
		ProgramArguments: []string{"/bin/sh", "-c", "exec nginx <in >out"},
	}
	data, err := RenderPlist(sd)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if !strings.Contains(got, "<string>org.nginx&amp;friends</string>") {
		t.Errorf("label not escaped:\n%s", got)
	}
	if !strings.Contains(got, "<string>exec nginx &lt;in &gt;out</string>") {
		t.Errorf("argument not escaped:\n%s", got)
	}
	if strings.Contains(got, "UserName") {
		t.Errorf("empty user name rendered:\n%s", got)
	}
}

func TestRenderPlistNeedsLabel(t *testing.T) {
	if _, err := RenderPlist(&ServiceDescriptor{ProgramArguments: []string{"nginx"}}); err == nil {
		t.Error("RenderPlist() without a label succeeded")
	}
}

func TestRenderCaveats(t *testing.T) {
	for _, ref := range []string{"nginx@1.0.0", "nginx@1.0.11"} {
		t.Run(ref, func(t *testing.T) {
			f := fixtureFormula(t, ref)
			l, err := f.Layout("/usr/local")
			if err != nil {
				t.Fatal(err)
			}
			sd, err := GenerateService(f, l, "builder")
			if err != nil {
				t.Fatal(err)
			}
			got, err := RenderCaveats(f, l, sd)
			if err != nil {
				t.Fatal(err)
			}
			for _, want := range []string{
				"localhost:8080",
				"cp " + sd.PlistPath(l) + " ~/Library/LaunchAgents/",
				"~/Library/LaunchAgents/org.nginx.plist",
			} {
				if !strings.Contains(got, want) {
					t.Errorf("caveats lack %q:\n%s", want, got)
				}
			}
			if !strings.HasSuffix(got, "\n") || strings.HasSuffix(got, "\n\n") {
				t.Errorf("caveats should end with exactly one newline: %q", got)
			}
		})
	}
}
