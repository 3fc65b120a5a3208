package search

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// newProfileMapping 档案文档的索引映射：昵称分词可检索，active 过滤用
func newProfileMapping() mapping.IndexMapping {
	nameField := bleve.NewTextFieldMapping()
	nameField.Store = true
	nameField.IncludeTermVectors = false

	activeField := bleve.NewBooleanFieldMapping()
	activeField.Store = false

	userIDField := bleve.NewKeywordFieldMapping()
	userIDField.Store = false
	userIDField.Index = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("display_name", nameField)
	doc.AddFieldMappingsAt("active", activeField)
	doc.AddFieldMappingsAt("user_id", userIDField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}
