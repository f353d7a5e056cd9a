// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package xmlda

import (
	"encoding/xml"
	"time"
)

const (
	soapNS = "http://schemas.xmlsoap.org/soap/envelope/"
	opcNS  = "http://opcfoundation.org/webservices/XMLDA/1.0/"
	xsiNS  = "http://www.w3.org/2001/XMLSchema-instance"
	xsdNS  = "http://www.w3.org/2001/XMLSchema"
)

// Outgoing messages. Prefixed attribute names are written literally; the
// envelope declares the prefixes.

type requestEnvelope struct {
	XMLName xml.Name `xml:"soap:Envelope"`
	SoapNS  string   `xml:"xmlns:soap,attr"`
	XsiNS   string   `xml:"xmlns:xsi,attr"`
	XsdNS   string   `xml:"xmlns:xsd,attr"`
	Body    requestBody
}

type requestBody struct {
	XMLName xml.Name `xml:"soap:Body"`
	Content any
}

type requestOptions struct {
	ReturnErrorText bool   `xml:"ReturnErrorText,attr"`
	ReturnItemTime  bool   `xml:"ReturnItemTime,attr"`
	ReturnItemName  bool   `xml:"ReturnItemName,attr"`
	LocaleID        string `xml:"LocaleID,attr,omitempty"`
}

type getStatusRequest struct {
	XMLName  xml.Name `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ GetStatus"`
	LocaleID string   `xml:"LocaleID,attr,omitempty"`
}

type readRequestItem struct {
	ItemName         string `xml:"ItemName,attr"`
	ClientItemHandle string `xml:"ClientItemHandle,attr,omitempty"`
}

type readRequest struct {
	XMLName xml.Name          `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ Read"`
	Options requestOptions    `xml:"Options"`
	Items   []readRequestItem `xml:"ItemList>Items"`
}

type outValue struct {
	XMLName xml.Name
	Type    string `xml:"xsi:type,attr,omitempty"`
	Nil     string `xml:"xsi:nil,attr,omitempty"`
	Text    string `xml:",chardata"`
	Elems   []outValue
}

type writeRequestItem struct {
	ItemName string   `xml:"ItemName,attr"`
	Value    outValue `xml:"Value"`
}

type writeRequest struct {
	XMLName             xml.Name           `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ Write"`
	ReturnValuesOnReply bool               `xml:"ReturnValuesOnReply,attr"`
	Options             requestOptions     `xml:"Options"`
	Items               []writeRequestItem `xml:"ItemList>Items"`
}

type browseRequest struct {
	XMLName              xml.Name `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ Browse"`
	ItemName             string   `xml:"ItemName,attr"`
	ContinuationPoint    string   `xml:"ContinuationPoint,attr,omitempty"`
	BrowseFilter         string   `xml:"BrowseFilter,attr"`
	ReturnErrorText      bool     `xml:"ReturnErrorText,attr"`
	ReturnAllProperties  bool     `xml:"ReturnAllProperties,attr"`
	ReturnPropertyValues bool     `xml:"ReturnPropertyValues,attr"`
	LocaleID             string   `xml:"LocaleID,attr,omitempty"`
}

// Incoming messages, matched by namespace.

type responseEnvelope struct {
	XMLName xml.Name     `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    responseBody `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
}

type responseBody struct {
	Fault     *soapFault         `xml:"http://schemas.xmlsoap.org/soap/envelope/ Fault"`
	GetStatus *getStatusResponse `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ GetStatusResponse"`
	Read      *itemResponse      `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ ReadResponse"`
	Write     *itemResponse      `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ WriteResponse"`
	Browse    *browseResponse    `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ BrowseResponse"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

type serverStatus struct {
	StartTime      time.Time `xml:"StartTime,attr"`
	ProductVersion string    `xml:"ProductVersion,attr"`
	StatusInfo     string    `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ StatusInfo"`
	VendorInfo     string    `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ VendorInfo"`
}

type replyBase struct {
	ServerState string `xml:"ServerState,attr"`
}

type getStatusResponse struct {
	Result replyBase    `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ GetStatusResult"`
	Status serverStatus `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ Status"`
}

type inValue struct {
	XMLName xml.Name
	Type    string    `xml:"http://www.w3.org/2001/XMLSchema-instance type,attr"`
	Nil     string    `xml:"http://www.w3.org/2001/XMLSchema-instance nil,attr"`
	Text    string    `xml:",chardata"`
	Elems   []inValue `xml:",any"`
}

type quality struct {
	QualityField string `xml:"QualityField,attr"`
	LimitField   string `xml:"LimitField,attr"`
	VendorField  int    `xml:"VendorField,attr"`
}

type responseItem struct {
	ItemName         string   `xml:"ItemName,attr"`
	ClientItemHandle string   `xml:"ClientItemHandle,attr"`
	Timestamp        string   `xml:"Timestamp,attr"`
	ResultID         string   `xml:"ResultID,attr"`
	Value            *inValue `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ Value"`
	Quality          *quality `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ Quality"`
}

type errorText struct {
	ID   string `xml:"ID,attr"`
	Text string `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ Text"`
}

type itemResponse struct {
	Items  []responseItem `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ RItemList>Items"`
	Errors []errorText    `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ Errors"`
}

type browseElement struct {
	Name        string `xml:"Name,attr"`
	ItemName    string `xml:"ItemName,attr"`
	IsItem      bool   `xml:"IsItem,attr"`
	HasChildren bool   `xml:"HasChildren,attr"`
}

type browseResponse struct {
	ContinuationPoint string          `xml:"ContinuationPoint,attr"`
	MoreElements      bool            `xml:"MoreElements,attr"`
	Elements          []browseElement `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ Elements"`
	Errors            []errorText     `xml:"http://opcfoundation.org/webservices/XMLDA/1.0/ Errors"`
}
