// Command redirects patches the kernel image so that calls to selected Go
// runtime functions land on kernel replacements.
//
// Replacements are annotated with a "//go:redirect-from <symbol>" comment. The
// count command prints the number of annotations (used to size the
// .goredirectstbl section at link time) while populate-table resolves the
// source and destination symbol addresses and writes them to that section.
package main

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

const redirectDirective = "//go:redirect-from"

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[redirects] error: %s\n", err.Error())
	os.Exit(1)
}

// modulePath returns the module path declared in the go.mod file found in
// rootDir.
func modulePath(rootDir string) (string, error) {
	path := filepath.Join(rootDir, "go.mod")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	f, err := modfile.ParseLax(path, data, nil)
	if err != nil {
		return "", err
	}

	if f.Module == nil || f.Module.Mod.Path == "" {
		return "", fmt.Errorf("%s: missing module directive", path)
	}

	return f.Module.Mod.Path, nil
}

// collectGoFiles returns the non-test Go files below rootDir/pkgDir. The
// returned paths are relative to rootDir.
func collectGoFiles(rootDir, pkgDir string) ([]string, error) {
	var goFiles []string
	err := filepath.WalkDir(filepath.Join(rootDir, pkgDir), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			relPath, err := filepath.Rel(rootDir, path)
			if err != nil {
				return err
			}
			goFiles = append(goFiles, filepath.ToSlash(relPath))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

// findRedirects parses goFiles (relative to rootDir) and returns a redirect
// entry for each function annotated with the redirect directive. Destination
// symbols use the fully qualified package path as emitted by the linker.
func findRedirects(rootDir, modPath string, goFiles []string) ([]*redirect, error) {
	var redirects []*redirect

	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, filepath.Join(rootDir, goFile), nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("%s: %s", goFile, err)
		}

		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil || fnDecl.Recv != nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.HasPrefix(comment.Text, redirectDirective) {
					continue
				}

				fqName := fmt.Sprintf("%s/%s.%s", modPath, filepath.ToSlash(filepath.Dir(goFile)), fnDecl.Name.Name)

				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != redirectDirective {
					return nil, fmt.Errorf("malformed go:redirect-from syntax for %q", fqName)
				}

				redirects = append(redirects, &redirect{
					src: fields[1],
					dst: fqName,
				})
			}
		}
	}

	return redirects, nil
}

// resolveRedirectSymbols looks up the source and destination addresses of
// each redirect in the symbol table of the kernel image.
func resolveRedirectSymbols(redirects []*redirect, f *elf.File) error {
	symbols, err := f.Symbols()
	if err != nil {
		return err
	}

	for _, redirect := range redirects {
		for _, symbol := range symbols {
			switch symbol.Name {
			case redirect.src:
				redirect.srcVMA = symbol.Value
			case redirect.dst:
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return fmt.Errorf("could not locate address of %q", redirect.src)
		case redirect.dstVMA == 0:
			return fmt.Errorf("could not locate address of %q", redirect.dst)
		}
	}

	return nil
}

// writeRedirectTable encodes the resolved redirects as (src, dst) little
// endian pairs.
func writeRedirectTable(w io.Writer, redirects []*redirect) error {
	for _, redirect := range redirects {
		if err := binary.Write(w, binary.LittleEndian, [2]uint64{redirect.srcVMA, redirect.dstVMA}); err != nil {
			return err
		}
	}

	return nil
}

func populateTable(redirects []*redirect, imgFile string) error {
	img, err := elf.Open(imgFile)
	if err != nil {
		return err
	}

	tableSection := img.Section(".goredirectstbl")
	if tableSection == nil {
		img.Close()
		return fmt.Errorf("%s: missing .goredirectstbl section", imgFile)
	}

	err = resolveRedirectSymbols(redirects, img)
	img.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", imgFile, err)
	}

	if uint64(len(redirects))*16 > tableSection.Size {
		return fmt.Errorf("%s: .goredirectstbl section too small for %d redirects", imgFile, len(redirects))
	}

	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.Seek(int64(tableSection.Offset), io.SeekStart); err != nil {
		return err
	}

	return writeRedirectTable(f, redirects)
}

func main() {
	flag.Parse()
	if matches, _ := filepath.Glob("kernel/"); len(matches) != 1 {
		exit(errors.New("this tool must be run from the module root folder"))
	}

	if len(flag.Args()) == 0 {
		exit(errors.New("missing command"))
	}

	cmd := flag.Arg(0)
	var imgFile string
	switch cmd {
	case "count":
	case "populate-table":
		if len(flag.Args()) != 2 {
			exit(errors.New("populate-table requires the path to the kernel image as an argument"))
		}
		imgFile = flag.Arg(1)
	default:
		exit(fmt.Errorf("unknown command %q", cmd))
	}

	modPath, err := modulePath(".")
	if err != nil {
		exit(err)
	}

	goFiles, err := collectGoFiles(".", "kernel")
	if err != nil {
		exit(err)
	}

	redirects, err := findRedirects(".", modPath, goFiles)
	if err != nil {
		exit(err)
	}

	if cmd == "count" {
		fmt.Printf("%d", len(redirects))
		return
	}

	if err = populateTable(redirects, imgFile); err != nil {
		exit(err)
	}
}
