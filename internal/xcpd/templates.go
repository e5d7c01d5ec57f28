package xcpd

import "text/template"

// The responder answers with template fill rather than element-by-element
// construction: the 201306 shape is fixed and the echoed queryId /
// queryByParameter arrive as raw XML from the request.

var singleMatchTemplate = template.Must(template.New("iti55-single").Parse(`<PRPA_IN201306UV02 ITSVersion="XML_1.0" xmlns="urn:hl7-org:v3">
    <id extension="0000" root="{{.OurHCID}}"/>
    <creationTime value="{{.CreationTime}}"/>
    <interactionId extension="PRPA_IN201306UV02" root="{{.OurHCID}}"/>
    <processingCode code="T"/>
    <processingModeCode code="T"/>
    <acceptAckCode code="NE"/>
    <receiver typeCode="RCV">
        <device classCode="DEV" determinerCode="INSTANCE">
            <id root="{{.TheirHCID}}"/>
        </device>
    </receiver>
    <sender typeCode="SND">
        <device classCode="DEV" determinerCode="INSTANCE">
            <id root="{{.OurHCID}}"/>
            <telecom value="{{.OurURL}}"/>
        </device>
    </sender>
    <acknowledgement>
        <typeCode code="AA"/>
        <targetMessage>
            <id extension="0000" root="1.3.6.1.4.1.12559.11.1.2.2.5.10.1"/>
        </targetMessage>
    </acknowledgement>
    <controlActProcess classCode="CACT" moodCode="EVN">
        <code code="PRPA_TE201306UV02" displayName="2.16.840.1.113883.1.18"/>
        <subject contextConductionInd="false" typeCode="SUBJ">
            <registrationEvent classCode="REG" moodCode="EVN">
                <statusCode code="active"/>
                <subject1 typeCode="SBJ">
                    <patient classCode="PAT">
                        <id extension="{{.PID}}" root="{{.OurHCID}}"/>
                        <statusCode code="active"/>
                        <patientPerson classCode="PSN" determinerCode="INSTANCE">
                            <name>
                                <given>{{.Given}}</given>
                                <family>{{.Family}}</family>
                            </name>
                            <administrativeGenderCode code="{{.GenderCode}}" codeSystem="2.16.840.1.113883.12.1" displayName="{{.GenderDisplay}}"/>
                            <birthTime value="{{.BirthTime}}"/>
                            <telecom value="tel:{{.Tel}}" use="{{.TelecomUse}}"/>
                            <addr>
                                <streetAddressLine>{{.StreetAddressLine}}</streetAddressLine>
                                <city>{{.City}}</city>
                                <country>{{.Country}}</country>
                                <postalCode>{{.PostalCode}}</postalCode>
                            </addr>
                            <principalCareProviderId>
                                <value extension="{{.PCPExt}}" root="{{.PCPRoot}}"/>
                                <semanticsText>AssignedProvider.id</semanticsText>
                            </principalCareProviderId>
                            <mothersMaidenName>
                                <value>
                                    <family>{{.MMName}}</family>
                                </value>
                                <semanticsText>Person.MothersMaidenName</semanticsText>
                            </mothersMaidenName>
                        </patientPerson>
                        <providerOrganization classCode="ORG" determinerCode="INSTANCE">
                            <id root="{{.OurHCID}}"/>
                            <name>"{{.OrgName}}"</name>
                            <contactParty classCode="CON">
                                <id root="{{.OurHCID}}"/>
                                <telecom value="{{.OurWebsite}}"/>
                            </contactParty>
                        </providerOrganization>
                        <subjectOf1>
                            <queryMatchObservation classCode="COND" moodCode="EVN">
                                <code code="IHE_PDQ"/>
                                <value xsi:type="INT" value="100" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"/>
                            </queryMatchObservation>
                        </subjectOf1>
                    </patient>
                </subject1>
                <custodian typeCode="CST">
                    <assignedEntity classCode="ASSIGNED">
                        <id root="{{.OurHCID}}"/>
                        <code code="NotHealthDataLocator" codeSystem="1.3.6.1.4.1.19376.1.2.27.2"/>
                    </assignedEntity>
                </custodian>
            </registrationEvent>
        </subject>
        <queryAck>
            {{.QueryIDElement}}
            <statusCode code="deliveredResponse"/>
            <queryResponseCode code="OK"/>
        </queryAck>
        {{.QueryByParameterElement}}
    </controlActProcess>
</PRPA_IN201306UV02>`))

var notFoundTemplate = template.Must(template.New("iti55-nf").Parse(`<PRPA_IN201306UV02 ITSVersion="XML_1.0" xmlns="urn:hl7-org:v3">
    <id extension="0000" root="{{.OurHCID}}"/>
    <creationTime value="{{.CreationTime}}"/>
    <interactionId extension="PRPA_IN201306UV02" root="{{.OurHCID}}"/>
    <processingCode code="T"/>
    <processingModeCode code="T"/>
    <acceptAckCode code="NE"/>
    <receiver typeCode="RCV">
        <device classCode="DEV" determinerCode="INSTANCE">
            <id root="{{.TheirHCID}}"/>
        </device>
    </receiver>
    <sender typeCode="SND">
        <device classCode="DEV" determinerCode="INSTANCE">
            <id root="{{.OurHCID}}"/>
            <telecom value="{{.OurURL}}"/>
        </device>
    </sender>
    <acknowledgement>
        <typeCode code="AA"/>
        <targetMessage>
            <id extension="0000" root="1.3.6.1.4.1.12559.11.1.2.2.5.10.1"/>
        </targetMessage>
    </acknowledgement>
    <controlActProcess classCode="CACT" moodCode="EVN">
        <code code="PRPA_TE201306UV02" displayName="2.16.840.1.113883.1.18"/>
        <queryAck>
            {{.QueryIDElement}}
            <statusCode code="deliveredResponse"/>
            <queryResponseCode code="NF"/>
        </queryAck>
        {{.QueryByParameterElement}}
    </controlActProcess>
</PRPA_IN201306UV02>`))
