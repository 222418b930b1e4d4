package mhl

import (
	"encoding/xml"
	"time"
)

// The on-disk schema. The <lastmodificationdate> element sits inside <path>,
// matching manifests produced by earlier TransferBox releases; readers of
// those manifests depend on this placement.

type hashlistXML struct {
	XMLName xml.Name `xml:"hashlist"`
	Version string   `xml:"version,attr"`
	Xmlns   string   `xml:"xmlns,attr"`

	CreatorInfo creatorInfoXML `xml:"creatorinfo"`
	ProcessInfo processInfoXML `xml:"processinfo"`
	Hashes      hashesXML      `xml:"hashes"`
}

type creatorInfoXML struct {
	CreationDate string  `xml:"creationdate"`
	Hostname     string  `xml:"hostname"`
	Tool         toolXML `xml:"TransferBox"`
}

type toolXML struct {
	Version string `xml:"version,attr"`
	Name    string `xml:",chardata"`
}

type processInfoXML struct {
	Process  string      `xml:"process"`
	RootHash rootHashXML `xml:"roothash"`
	Ignore   ignoreXML   `xml:"ignore"`
}

type rootHashXML struct {
	Content   struct{} `xml:"content"`
	Structure struct{} `xml:"structure"`
}

type ignoreXML struct {
	Patterns []string `xml:"pattern"`
}

type hashesXML struct {
	Hashes []hashXML `xml:"hash"`
}

type hashXML struct {
	Path  pathXML  `xml:"path"`
	XXH64 xxh64XML `xml:"xxh64"`
}

type pathXML struct {
	Size                 int64  `xml:"size,attr"`
	Text                 string `xml:",chardata"`
	LastModificationDate string `xml:"lastmodificationdate"`
}

type xxh64XML struct {
	Action   string `xml:"action,attr"`
	HashDate string `xml:"hashdate,attr"`
	Text     string `xml:",chardata"`
}

func (m *Manifest) document() hashlistXML {
	doc := hashlistXML{
		Version: manifestVersion,
		Xmlns:   manifestNamespace,
		CreatorInfo: creatorInfoXML{
			CreationDate: m.creationDate.Format(time.RFC3339),
			Hostname:     m.hostname,
			Tool: toolXML{
				Version: m.toolVersion,
				Name:    toolName,
			},
		},
		ProcessInfo: processInfoXML{
			Process: "in-place",
			Ignore: ignoreXML{
				Patterns: []string{".DS_Store", "ascmhl", "ascmhl/"},
			},
		},
	}

	for _, e := range m.entries {
		doc.Hashes.Hashes = append(doc.Hashes.Hashes, hashXML{
			Path: pathXML{
				Size:                 e.Size,
				Text:                 e.RelPath,
				LastModificationDate: e.ModTime.Format(time.RFC3339),
			},
			XXH64: xxh64XML{
				Action:   "original",
				HashDate: e.HashDate.Format(time.RFC3339),
				Text:     e.XXH64,
			},
		})
	}

	return doc
}
