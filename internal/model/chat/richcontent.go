package chat

import (
	"encoding/json"
	"fmt"
)

// ContentKind enumerates the rich content payloads the assistant may attach.
type ContentKind string

const (
	KindPropertyCard ContentKind = "property_card"
	KindMap          ContentKind = "map"
	KindImage        ContentKind = "image"
	KindDocument     ContentKind = "document"
	KindItinerary    ContentKind = "itinerary"
	KindTranslation  ContentKind = "translation"
)

// RichContent is a tagged union: Kind selects which payload field is set.
type RichContent struct {
	Kind        ContentKind
	Property    *PropertyCard
	Map         *MapView
	Image       *ImageAnalysis
	Document    *DocumentAnalysis
	Itinerary   *Itinerary
	Translation *Translation
}

// PropertyCard describes a lodging offer.
type PropertyCard struct {
	Name          string   `json:"name"`
	Location      string   `json:"location"`
	PricePerNight float64  `json:"pricePerNight"`
	Currency      string   `json:"currency"`
	Rating        float64  `json:"rating,omitempty"`
	Amenities     []string `json:"amenities,omitempty"`
	URL           string   `json:"url,omitempty"`
}

// MapView is a set of pins around a center point.
type MapView struct {
	CenterLat float64  `json:"centerLat"`
	CenterLng float64  `json:"centerLng"`
	Zoom      int      `json:"zoom,omitempty"`
	Pins      []MapPin `json:"pins,omitempty"`
}

// MapPin is one labelled location.
type MapPin struct {
	Label string  `json:"label"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

// ImageAnalysis is the structured result of image recognition.
type ImageAnalysis struct {
	Landmarks   []string `json:"landmarks,omitempty"`
	Text        []string `json:"text,omitempty"`
	Objects     []string `json:"objects,omitempty"`
	Description string   `json:"description,omitempty"`
}

// DocumentAnalysis is the structured result of document recognition.
type DocumentAnalysis struct {
	DocumentType string            `json:"documentType"`
	Fields       map[string]string `json:"fields,omitempty"`
	Summary      string            `json:"summary,omitempty"`
}

// Itinerary is an ordered day plan.
type Itinerary struct {
	Title string         `json:"title,omitempty"`
	Days  []ItineraryDay `json:"days"`
}

// ItineraryDay groups activities of one day.
type ItineraryDay struct {
	Day        int      `json:"day"`
	Date       string   `json:"date,omitempty"`
	Activities []string `json:"activities"`
}

// Translation is the result of a translation request.
type Translation struct {
	SourceText     string   `json:"sourceText"`
	TranslatedText string   `json:"translatedText"`
	SourceLanguage string   `json:"sourceLanguage"`
	TargetLanguage string   `json:"targetLanguage"`
	Confidence     float64  `json:"confidence"`
	CulturalNotes  []string `json:"culturalNotes,omitempty"`
	Alternatives   []string `json:"alternatives,omitempty"`
}

type richContentWire struct {
	Type ContentKind     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the union as {"type": kind, "data": payload}.
func (c RichContent) MarshalJSON() ([]byte, error) {
	payload, err := c.payload()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(richContentWire{Type: c.Kind, Data: data})
}

// UnmarshalJSON decodes {"type": kind, "data": payload}; unknown kinds are rejected.
func (c *RichContent) UnmarshalJSON(raw []byte) error {
	var wire richContentWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("decode rich content: %w", err)
	}

	decoded := RichContent{Kind: wire.Type}
	var target any
	switch wire.Type {
	case KindPropertyCard:
		decoded.Property = &PropertyCard{}
		target = decoded.Property
	case KindMap:
		decoded.Map = &MapView{}
		target = decoded.Map
	case KindImage:
		decoded.Image = &ImageAnalysis{}
		target = decoded.Image
	case KindDocument:
		decoded.Document = &DocumentAnalysis{}
		target = decoded.Document
	case KindItinerary:
		decoded.Itinerary = &Itinerary{}
		target = decoded.Itinerary
	case KindTranslation:
		decoded.Translation = &Translation{}
		target = decoded.Translation
	default:
		return fmt.Errorf("unsupported rich content type %q", wire.Type)
	}

	if len(wire.Data) > 0 && string(wire.Data) != "null" {
		if err := json.Unmarshal(wire.Data, target); err != nil {
			return fmt.Errorf("decode %s payload: %w", wire.Type, err)
		}
	}

	*c = decoded
	return nil
}

func (c RichContent) payload() (any, error) {
	switch c.Kind {
	case KindPropertyCard:
		return c.Property, nil
	case KindMap:
		return c.Map, nil
	case KindImage:
		return c.Image, nil
	case KindDocument:
		return c.Document, nil
	case KindItinerary:
		return c.Itinerary, nil
	case KindTranslation:
		return c.Translation, nil
	default:
		return nil, fmt.Errorf("unsupported rich content type %q", c.Kind)
	}
}
