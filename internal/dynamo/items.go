package dynamo

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"demoreel/api/internal/demo"
)

// metadataItem is the flat METADATA item. Nested values are JSON strings.
type metadataItem struct {
	PK              string `dynamodbav:"pk"`
	SK              string `dynamodbav:"sk"`
	DemoID          string `dynamodbav:"demoId"`
	OwnerID         string `dynamodbav:"ownerId"`
	Name            string `dynamodbav:"name"`
	Status          string `dynamodbav:"status"`
	CreatedAt       string `dynamodbav:"createdAt"`
	UpdatedAt       string `dynamodbav:"updatedAt"`
	StatusUpdatedAt string `dynamodbav:"statusUpdatedAt,omitempty"`
	LeadStepIndex   *int   `dynamodbav:"leadStepIndex,omitempty"`
	LeadConfig      string `dynamodbav:"leadConfig,omitempty"`
	HotspotStyle    string `dynamodbav:"hotspotStyle,omitempty"`
	LeadUseGlobal   *bool  `dynamodbav:"leadUseGlobal,omitempty"`
	CurrentVersion  int    `dynamodbav:"currentVersion,omitempty"`
}

type stepItem struct {
	PK             string `dynamodbav:"pk"`
	SK             string `dynamodbav:"sk"`
	DemoID         string `dynamodbav:"demoId"`
	StepID         string `dynamodbav:"stepId"`
	OwnerID        string `dynamodbav:"ownerId,omitempty"`
	S3Key          string `dynamodbav:"s3Key"`
	Order          int    `dynamodbav:"order"`
	PageURL        string `dynamodbav:"pageUrl"`
	ThumbnailS3Key string `dynamodbav:"thumbnailS3Key,omitempty"`
	Hotspots       string `dynamodbav:"hotspots,omitempty"`
	CreatedAt      string `dynamodbav:"createdAt"`
	UpdatedAt      string `dynamodbav:"updatedAt"`
}

type leadItem struct {
	DemoID    string `dynamodbav:"demoId"`
	ItemSK    string `dynamodbav:"itemSK"`
	OwnerID   string `dynamodbav:"ownerId"`
	Email     string `dynamodbav:"email,omitempty"`
	Fields    string `dynamodbav:"fields,omitempty"`
	PageURL   string `dynamodbav:"pageUrl,omitempty"`
	StepIndex *int   `dynamodbav:"stepIndex,omitempty"`
	Source    string `dynamodbav:"source"`
	UserAgent string `dynamodbav:"userAgent,omitempty"`
	Referrer  string `dynamodbav:"referrer,omitempty"`
	CreatedAt string `dynamodbav:"createdAt"`
}

type settingsItem struct {
	PK         string `dynamodbav:"pk"`
	SK         string `dynamodbav:"sk"`
	OwnerID    string `dynamodbav:"ownerId"`
	LeadConfig string `dynamodbav:"leadConfig"`
	UpdatedAt  string `dynamodbav:"updatedAt"`
}

func stepSK(stepID string) string {
	return stepPrefix + stepID
}

func newMetadataItem(prefix string, m demo.Metadata) (metadataItem, error) {
	leadConfig, err := encodeJSON(m.LeadConfig)
	if err != nil {
		return metadataItem{}, fmt.Errorf("leadConfig: %w", err)
	}
	hotspotStyle, err := encodeJSON(m.HotspotStyle)
	if err != nil {
		return metadataItem{}, fmt.Errorf("hotspotStyle: %w", err)
	}

	return metadataItem{
		PK:              prefix + m.DemoID,
		SK:              MetadataSK,
		DemoID:          m.DemoID,
		OwnerID:         m.OwnerID,
		Name:            m.Name,
		Status:          string(m.Status),
		CreatedAt:       demo.FormatTime(m.CreatedAt),
		UpdatedAt:       demo.FormatTime(m.UpdatedAt),
		StatusUpdatedAt: demo.FormatTime(m.StatusUpdatedAt),
		LeadStepIndex:   m.LeadStepIndex,
		LeadConfig:      leadConfig,
		HotspotStyle:    hotspotStyle,
		LeadUseGlobal:   m.LeadUseGlobal,
		CurrentVersion:  m.CurrentVersion,
	}, nil
}

func (i metadataItem) toDomain() (demo.Metadata, error) {
	m := demo.Metadata{
		DemoID:          i.DemoID,
		OwnerID:         i.OwnerID,
		Name:            i.Name,
		Status:          demo.Status(i.Status),
		CreatedAt:       demo.ParseTime(i.CreatedAt),
		UpdatedAt:       demo.ParseTime(i.UpdatedAt),
		StatusUpdatedAt: demo.ParseTime(i.StatusUpdatedAt),
		LeadStepIndex:   i.LeadStepIndex,
		LeadUseGlobal:   i.LeadUseGlobal,
		CurrentVersion:  i.CurrentVersion,
	}

	if i.LeadConfig != "" {
		var cfg demo.LeadConfig
		if err := decodeJSON(i.LeadConfig, &cfg); err != nil {
			return demo.Metadata{}, fmt.Errorf("demo %s leadConfig: %w", i.DemoID, err)
		}
		m.LeadConfig = &cfg
	}

	if i.HotspotStyle != "" {
		var style demo.HotspotStyle
		if err := decodeJSON(i.HotspotStyle, &style); err != nil {
			return demo.Metadata{}, fmt.Errorf("demo %s hotspotStyle: %w", i.DemoID, err)
		}
		m.HotspotStyle = &style
	}

	return m, nil
}

// update builds the SET/REMOVE expression that writes every attribute of i
// onto an existing item. A nil lead step index or lead config is removed so
// clearing it sticks.
func (i metadataItem) update() expression.UpdateBuilder {
	update := expression.Set(expression.Name("demoId"), expression.Value(i.DemoID))
	update = setIfNotEmpty(update, OwnerAttr, i.OwnerID)
	update = setIfNotEmpty(update, "name", i.Name)
	update = setIfNotEmpty(update, "status", i.Status)
	update = setIfNotEmpty(update, CreatedAtAttr, i.CreatedAt)
	update = setIfNotEmpty(update, "updatedAt", i.UpdatedAt)
	update = setIfNotEmpty(update, "statusUpdatedAt", i.StatusUpdatedAt)
	update = setIfNotEmpty(update, "hotspotStyle", i.HotspotStyle)

	if i.LeadConfig != "" {
		update = update.Set(expression.Name("leadConfig"), expression.Value(i.LeadConfig))
	} else {
		update = update.Remove(expression.Name("leadConfig"))
	}

	if i.LeadStepIndex != nil {
		update = update.Set(expression.Name("leadStepIndex"), expression.Value(*i.LeadStepIndex))
	} else {
		update = update.Remove(expression.Name("leadStepIndex"))
	}

	if i.LeadUseGlobal != nil {
		update = update.Set(expression.Name("leadUseGlobal"), expression.Value(*i.LeadUseGlobal))
	}

	if i.CurrentVersion != 0 {
		update = update.Set(expression.Name("currentVersion"), expression.Value(i.CurrentVersion))
	}

	return update
}

func newStepItem(prefix string, s demo.Step) (stepItem, error) {
	hotspots, err := encodeHotspots(s.Hotspots)
	if err != nil {
		return stepItem{}, fmt.Errorf("hotspots: %w", err)
	}

	return stepItem{
		PK:             prefix + s.DemoID,
		SK:             stepSK(s.StepID),
		DemoID:         s.DemoID,
		StepID:         s.StepID,
		OwnerID:        s.OwnerID,
		S3Key:          s.S3Key,
		Order:          s.Order,
		PageURL:        s.PageURL,
		ThumbnailS3Key: s.ThumbnailS3Key,
		Hotspots:       hotspots,
		CreatedAt:      demo.FormatTime(s.CreatedAt),
		UpdatedAt:      demo.FormatTime(s.UpdatedAt),
	}, nil
}

func (i stepItem) toDomain() (demo.Step, error) {
	hotspots, err := decodeHotspots(i.Hotspots)
	if err != nil {
		return demo.Step{}, fmt.Errorf("step %s hotspots: %w", i.StepID, err)
	}

	return demo.Step{
		DemoID:         i.DemoID,
		StepID:         i.StepID,
		OwnerID:        i.OwnerID,
		S3Key:          i.S3Key,
		Order:          i.Order,
		PageURL:        i.PageURL,
		ThumbnailS3Key: i.ThumbnailS3Key,
		Hotspots:       hotspots,
		CreatedAt:      demo.ParseTime(i.CreatedAt),
		UpdatedAt:      demo.ParseTime(i.UpdatedAt),
	}, nil
}

func (i stepItem) update() expression.UpdateBuilder {
	update := expression.Set(expression.Name("demoId"), expression.Value(i.DemoID))
	update = update.Set(expression.Name("stepId"), expression.Value(i.StepID))
	update = update.Set(expression.Name("order"), expression.Value(i.Order))
	update = setIfNotEmpty(update, OwnerAttr, i.OwnerID)
	update = setIfNotEmpty(update, "s3Key", i.S3Key)
	update = setIfNotEmpty(update, "pageUrl", i.PageURL)
	update = setIfNotEmpty(update, "thumbnailS3Key", i.ThumbnailS3Key)
	update = setIfNotEmpty(update, "hotspots", i.Hotspots)
	update = setIfNotEmpty(update, CreatedAtAttr, i.CreatedAt)
	update = setIfNotEmpty(update, "updatedAt", i.UpdatedAt)
	return update
}

func newLeadItem(l demo.Lead) (leadItem, error) {
	fields, err := encodeFields(l.Fields)
	if err != nil {
		return leadItem{}, fmt.Errorf("fields: %w", err)
	}

	return leadItem{
		DemoID:    l.DemoID,
		ItemSK:    l.ItemSK,
		OwnerID:   l.OwnerID,
		Email:     l.Email,
		Fields:    fields,
		PageURL:   l.PageURL,
		StepIndex: l.StepIndex,
		Source:    l.Source,
		UserAgent: l.UserAgent,
		Referrer:  l.Referrer,
		CreatedAt: demo.FormatTime(l.CreatedAt),
	}, nil
}

func (i leadItem) toDomain() (demo.Lead, error) {
	lead := demo.Lead{
		DemoID:    i.DemoID,
		ItemSK:    i.ItemSK,
		OwnerID:   i.OwnerID,
		Email:     i.Email,
		PageURL:   i.PageURL,
		StepIndex: i.StepIndex,
		Source:    i.Source,
		UserAgent: i.UserAgent,
		Referrer:  i.Referrer,
		CreatedAt: demo.ParseTime(i.CreatedAt),
	}

	if i.Fields != "" {
		if err := decodeJSON(i.Fields, &lead.Fields); err != nil {
			return demo.Lead{}, fmt.Errorf("lead %s/%s fields: %w", i.DemoID, i.ItemSK, err)
		}
	}

	return lead, nil
}

func setIfNotEmpty(update expression.UpdateBuilder, name, value string) expression.UpdateBuilder {
	if value == "" {
		return update
	}
	return update.Set(expression.Name(name), expression.Value(value))
}

// encodeJSON returns "" for nil values so the attribute is omitted.
func encodeJSON[T any](value *T) (string, error) {
	if value == nil {
		return "", nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// encodeFields omits a nil map instead of storing "null".
func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "", nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// encodeHotspots keeps the nil/empty distinction: nil is omitted, an empty
// slice is stored as "[]".
func encodeHotspots(hotspots []demo.Hotspot) (string, error) {
	if hotspots == nil {
		return "", nil
	}
	raw, err := json.Marshal(hotspots)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeHotspots(raw string) ([]demo.Hotspot, error) {
	if raw == "" {
		return nil, nil
	}
	hotspots := []demo.Hotspot{}
	if err := decodeJSON(raw, &hotspots); err != nil {
		return nil, err
	}
	return hotspots, nil
}

// decodeJSON also accepts values written by older clients that encoded the
// JSON twice, i.e. a JSON string whose content is the document.
func decodeJSON(raw string, out any) error {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return err
		}
		trimmed = inner
	}
	return json.Unmarshal([]byte(trimmed), out)
}

func isStepItem(raw map[string]dynamodbtypes.AttributeValue) bool {
	return strings.HasPrefix(getStringValue(raw[SortKey]), stepPrefix)
}

func isMetadataItem(raw map[string]dynamodbtypes.AttributeValue) bool {
	return getStringValue(raw[SortKey]) == MetadataSK
}

// decodeDemoItems splits raw partition items into metadata and steps. Steps
// come back sorted by order.
func decodeDemoItems(raw []map[string]dynamodbtypes.AttributeValue) (demo.Items, error) {
	var items demo.Items

	for _, av := range raw {
		switch {
		case isMetadataItem(av):
			var item metadataItem
			if err := attributevalue.UnmarshalMap(av, &item); err != nil {
				return demo.Items{}, fmt.Errorf("failed to unmarshal metadata item: %w", err)
			}
			meta, err := item.toDomain()
			if err != nil {
				return demo.Items{}, err
			}
			items.Metadata = &meta
		case isStepItem(av):
			var item stepItem
			if err := attributevalue.UnmarshalMap(av, &item); err != nil {
				return demo.Items{}, fmt.Errorf("failed to unmarshal step item: %w", err)
			}
			step, err := item.toDomain()
			if err != nil {
				return demo.Items{}, err
			}
			items.Steps = append(items.Steps, step)
		}
	}

	sortSteps(items.Steps)
	return items, nil
}
