// Command wkw operates on WKW datasets: recover-header infers header.wkw
// from an existing cube file and verify-headers checks every cube file
// against it, both in the dataset rooted at the current directory;
// compress <src-root> <dst-root> rewrites every cube file of the source
// dataset as LZ4HC into a new dataset at dst-root.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/wkwfs/wkw/dataset"
	"github.com/wkwfs/wkw/header"
	"github.com/wkwfs/wkw/wkwfile"
)

const headerFileName = "header.wkw"

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "syntax: wkw <command> [args]\n")
		os.Exit(-1)
	}
	verb, rest := args[0], args[1:]

	verbs := map[string]cmd{
		"recover-header": {recoverHeader},
		"verify-headers": {verifyHeaders},
		"compress":       {compress},
	}
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: wkw <recover-header|verify-headers|compress> [args]\n")
		os.Exit(-1)
	}
	if err := v.fn(context.Background(), rest); err != nil {
		log.Print(err)
		os.Exit(-2)
	}
}

// findCubeFiles returns the paths of all cube files at depth 3 under root
// (root/z{Z}/y{Y}/x{X}.wkw), sorted for deterministic iteration.
func findCubeFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".wkw" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if strings.Count(rel, string(filepath.Separator)) != 2 {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("wkw: walking %s: %w", root, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// probeFileHeader reads a cube file's own header without knowing the
// dataset's version in advance: it tries the fixed 16 bytes at the start
// (version 1 layout) and, failing that, the fixed 16 bytes at the very end
// (version 2 layout, where the header always trails any jump table).
func probeFileHeader(path string) (header.Header, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return header.Header{}, xerrors.Errorf("wkw: opening %s: %w", path, err)
	}
	defer r.Close()

	var buf [16]byte
	if r.Len() >= 16 {
		if _, err := r.ReadAt(buf[:], 0); err == nil {
			if h, err := header.ParseBytes(buf); err == nil {
				return h, nil
			}
		}
	}
	if r.Len() < 16 {
		return header.Header{}, xerrors.Errorf("wkw: %s: too small to hold a header", path)
	}
	if _, err := r.ReadAt(buf[:], int64(r.Len()-16)); err != nil {
		return header.Header{}, xerrors.Errorf("wkw: reading tail of %s: %w", path, err)
	}
	h, err := header.ParseBytes(buf)
	if err != nil {
		return header.Header{}, xerrors.Errorf("wkw: %s: neither head nor tail parses as a header: %w", path, err)
	}
	return h, nil
}

// recoverHeader infers header.wkw by opening the first cube file found at
// depth 3 and copying its on-disk header, clearing data_offset and any
// jump table (the dataset header carries neither).
func recoverHeader(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("recover-header", flag.ExitOnError)
	fset.Parse(args)

	root := "."
	paths, err := findCubeFiles(root)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return xerrors.New("wkw: recover-header: no cube files found at depth 3")
	}

	h, err := probeFileHeader(paths[0])
	if err != nil {
		return err
	}
	h.DataOffset = 0
	h.JumpTable = nil

	buf := h.Bytes()
	f, err := renameio.TempFile("", filepath.Join(root, headerFileName))
	if err != nil {
		return xerrors.Errorf("wkw: writing %s: %w", headerFileName, err)
	}
	defer f.Cleanup()
	if _, err := f.Write(buf[:]); err != nil {
		return xerrors.Errorf("wkw: writing %s: %w", headerFileName, err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("wkw: writing %s: %w", headerFileName, err)
	}
	log.Printf("recovered %s from %s", headerFileName, paths[0])
	return nil
}

// verifyHeaders walks every cube file at depth 3 and compares its header
// to header.wkw modulo data_offset, fanning the per-file checks out
// concurrently.
func verifyHeaders(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("verify-headers", flag.ExitOnError)
	fset.Parse(args)

	root := "."
	ds, err := dataset.New(root)
	if err != nil {
		return err
	}
	want := ds.Header()
	paths, err := findCubeFiles(root)
	if err != nil {
		return err
	}

	eg, _ := errgroup.WithContext(ctx)
	for _, path := range paths {
		path := path
		eg.Go(func() error {
			got, err := probeFileHeader(path)
			if err != nil {
				return err
			}
			if !got.EqualModuloDataOffset(want) {
				return xerrors.Errorf("wkw: %s: header %+v does not match %s header %+v", path, got, headerFileName, want)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	log.Printf("verified %d cube files against %s", len(paths), headerFileName)
	return nil
}

// compress walks a Raw dataset's cube files and compresses each into a
// sibling LZ4HC dataset, mirroring the z/y/x tree, fanning the per-file
// wkwfile.Compress calls out across an errgroup.
func compress(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("compress", flag.ExitOnError)
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) != 2 {
		return xerrors.New("wkw: syntax: wkw compress <src-root> <dst-root>")
	}
	srcRoot, dstRoot := rest[0], rest[1]

	ds, err := dataset.New(srcRoot)
	if err != nil {
		return err
	}
	if _, err := dataset.Create(dstRoot, header.Compress(ds.Header())); err != nil {
		return xerrors.Errorf("wkw: creating %s: %w", dstRoot, err)
	}

	paths, err := findCubeFiles(srcRoot)
	if err != nil {
		return err
	}

	eg, _ := errgroup.WithContext(ctx)
	for _, srcPath := range paths {
		srcPath := srcPath
		eg.Go(func() error {
			rel, err := filepath.Rel(srcRoot, srcPath)
			if err != nil {
				return err
			}
			dstPath := filepath.Join(dstRoot, rel)
			if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
				return xerrors.Errorf("wkw: %w", err)
			}
			return wkwfile.Compress(srcPath, dstPath)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	log.Printf("compressed %d cube files into %s", len(paths), dstRoot)
	return nil
}
